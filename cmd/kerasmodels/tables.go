// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/kerasmodels/pkg/ml/model/kerasweights"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable creates a table with alternating row styles. The first column is right aligned.
func newPlainTable(headers ...string) *lgtable.Table {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
	if len(headers) > 0 {
		t = t.Headers(headers...)
	}
	return t
}

func printSummary(name string, g *Graph, outputShape shapes.Shape, ctx *context.Context, numLoaded int) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable()
	table.Row("model", name)
	table.Row("graph", g.Name())
	table.Row("output", outputShape.String())
	table.Row("# variables", humanize.Comma(int64(ctx.NumVariables())))
	table.Row("# parameters", humanize.Comma(int64(ctx.NumParameters())))
	table.Row("# bytes", humanize.IBytes(uint64(ctx.Memory())))
	table.Row("# loaded", humanize.Comma(int64(numLoaded)))
	fmt.Println(table.Render())
}

// layerRow summarizes the variables of one Keras layer.
type layerRow struct {
	name       string
	variables  []string
	parameters int
}

// layerRows groups the variables of ctx by Keras layer name, sorted by name.
func layerRows(ctx *context.Context) []layerRow {
	byName := make(map[string]*layerRow)
	for v := range ctx.IterVariables() {
		name, ok := kerasweights.LayerName(context.RootScope, v.Scope())
		if !ok {
			continue
		}
		row, found := byName[name]
		if !found {
			row = &layerRow{name: name}
			byName[name] = row
		}
		row.variables = append(row.variables, v.Name())
		row.parameters += v.Shape().Size()
	}
	rows := make([]layerRow, 0, len(byName))
	for _, row := range byName {
		slices.Sort(row.variables)
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b layerRow) int { return compareLayerNames(a.name, b.name) })
	return rows
}

// compareLayerNames orders dotted names by their parts, comparing numeric parts as numbers,
// so "features.10" comes after "features.9".
func compareLayerNames(a, b string) int {
	partsA, partsB := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(partsA) && i < len(partsB); i++ {
		pa, pb := partsA[i], partsB[i]
		if pa == pb {
			continue
		}
		if isNumber(pa) && isNumber(pb) && len(pa) != len(pb) {
			return len(pa) - len(pb)
		}
		return strings.Compare(pa, pb)
	}
	return len(partsA) - len(partsB)
}

func isNumber(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func printLayers(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Layers"))
	table := newPlainTable("Layer", "Variables", "Parameters")
	for _, row := range layerRows(ctx) {
		table.Row(row.name, strings.Join(row.variables, ", "), humanize.Comma(int64(row.parameters)))
	}
	fmt.Println(table.Render())
}

func printVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newPlainTable("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.IBytes(uint64(shape.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
