// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Looking at what the allocator did.

package alloc

import (
	"bytes"
	"fmt"
	"io"

	svg "github.com/ajstarks/svgo"
	"github.com/davecgh/go-spew/spew"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/s48/linscan/lir"
)

// Spew's global config is left alone so that allocators on other
// goroutines are not affected.
var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	SortKeys:                true,
	DisablePointerMethods:   true,
	DisablePointerAddresses: true,
	DisableCapacities:       true}

type intervalDumpT struct {
	Interval string
	Var      string
	Parent   int
	Next     int
	Location string
	State    string
	Ranges   []RangeT
	Uses     []UseT
}

func (alloc *AllocatorT) DumpIntervals() string {
	dump := []intervalDumpT{}
	for _, it := range alloc.intervals {
		if it.IsEmpty() {
			continue
		}
		entry := intervalDumpT{
			Interval: fmt.Sprintf("i%d", it.Index),
			Var:      alloc.varName(it.Var),
			Parent:   it.Parent,
			Next:     it.Next,
			Location: it.Location.Format(alloc.target),
			Ranges:   it.ranges,
			Uses:     it.uses}
		if it.Var < 0 {
			entry.Var = "blocked " + alloc.target.Registers[it.Register].Name
		}
		if it.IsParent() && 0 <= it.Var {
			entry.State = it.SpillState.String()
		}
		dump = append(dump, entry)
	}
	return dumpConfig.Sdump(dump)
}

func (alloc *AllocatorT) FormatMethod() string {
	var buffer bytes.Buffer
	lir.WriteMethod(&buffer, alloc.method, alloc.target)
	return buffer.String()
}

//----------------------------------------------------------------
// A picture of the intervals.  Positions go down the page with the
// instructions on the left and there is one column per variable.
// Each piece of an interval is a bar colored by where it lives and
// uses are dots, filled in for uses that need a register.

const (
	rowHeight    = 12 // per position
	columnWidth  = 28
	textWidth    = 360
	headerHeight = 60
)

var locationColors = map[lir.LocationKindT]string{
	lir.Register:  "steelblue",
	lir.StackSlot: "indianred",
	lir.Constant:  "seagreen"}

func (alloc *AllocatorT) WriteIntervalsSVG(out io.Writer) {
	columns := map[int]int{} // variable -> column
	for _, it := range alloc.intervals {
		if _, found := columns[it.Var]; !found && 0 <= it.Var && !it.IsEmpty() {
			columns[it.Var] = len(columns)
		}
	}
	width := textWidth + (len(columns)+1)*columnWidth
	height := headerHeight + (alloc.maxPos+2)*rowHeight
	canvas := svg.New(out)
	canvas.Start(width, height)
	canvas.Rect(0, 0, width, height, "fill:white")
	y := func(pos int) int {
		return headerHeight + pos*rowHeight
	}
	for _, block := range alloc.order {
		canvas.Line(0, y(block.From), width, y(block.From), "stroke:lightgray")
		canvas.Text(4, y(block.From)+rowHeight-2, block.Name,
			"fill:gray;font-size:11px;font-family:monospace")
		for _, instr := range block.Instructions {
			if instr.Inserted != lir.NotInserted {
				continue
			}
			canvas.Text(textWidth-8, y(instr.Id)+4,
				lir.FormatInstruction(alloc.method, instr, alloc.target),
				"fill:black;font-size:11px;font-family:monospace;text-anchor:end")
		}
	}
	for v, column := range columns {
		x := textWidth + column*columnWidth + columnWidth/2
		canvas.Text(x, headerHeight-8, alloc.varName(v),
			"fill:black;font-size:11px;font-family:monospace;text-anchor:middle")
		for it := alloc.intervals[v]; it != nil; it = alloc.next(it) {
			color := locationColors[it.Location.Kind]
			if color == "" {
				color = "black"
			}
			for _, r := range it.ranges {
				canvas.Rect(x-4, y(r.From), 8, (r.To-r.From)*rowHeight, "fill:"+color)
			}
			if it.Location.IsAssigned() {
				canvas.Text(x+6, y(it.From())+rowHeight, it.Location.Format(alloc.target),
					"fill:"+color+";font-size:9px;font-family:monospace")
			}
			for _, use := range it.uses {
				fill := "white"
				if use.Priority == MustHaveRegister {
					fill = "black"
				}
				canvas.Circle(x, y(use.Pos), 3, "stroke:black;stroke-width:1;fill:"+fill)
			}
		}
	}
	canvas.End()
}

//----------------------------------------------------------------
// The control-flow graph in Graphviz format.

type blockNodeT struct {
	block *lir.BlockT
}

func (node blockNodeT) ID() int64 {
	return int64(node.block.Index)
}

func (node blockNodeT) DOTID() string {
	return node.block.Name
}

func (node blockNodeT) Attributes() []encoding.Attribute {
	block := node.block
	label := fmt.Sprintf("%s\\ndepth %d freq %g\\n[%d, %d)",
		block.Name, block.LoopDepth, block.Frequency, block.From, block.To)
	if block.Dominator != nil {
		label += "\\nidom " + block.Dominator.Name
	}
	attrs := []encoding.Attribute{{Key: "label", Value: `"` + label + `"`}}
	if block.LoopHeader == block {
		attrs = append(attrs, encoding.Attribute{Key: "shape", Value: "box"})
	}
	if block.IsLoopEnd {
		attrs = append(attrs, encoding.Attribute{Key: "style", Value: "bold"})
	}
	return attrs
}

func (alloc *AllocatorT) ControlFlowDot() ([]byte, error) {
	graph := simple.NewDirectedGraph()
	for _, block := range alloc.method.Blocks {
		graph.AddNode(blockNodeT{block})
	}
	for _, block := range alloc.method.Blocks {
		for _, next := range block.Next {
			// Single-block loops can't be drawn; simple graphs have no
			// self edges.
			if next != block {
				graph.SetEdge(graph.NewEdge(blockNodeT{block}, blockNodeT{next}))
			}
		}
	}
	return dot.Marshal(graph, alloc.method.Name, "", "  ")
}
