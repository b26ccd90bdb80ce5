// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Moves between the locations of a variable's pieces.
//
// Where one piece of an interval ends and the next begins within a
// block, and along every control-flow edge, the value has to be moved
// from one location to the other.  All of the moves at one point
// happen in parallel, so they have to be ordered so that no register
// is overwritten before it is read.  Cycles are broken by storing one
// of the values in its stack slot.

package alloc

import (
	"slices"

	"github.com/s48/linscan/lir"
)

// Insertion order within one (block, index).
const (
	orderEdgeEntry = iota
	orderSpillStore
	orderSplitMove
	orderEdgeExit
)

// Instructions to be inserted before block.Instructions[index].

type insertionT struct {
	block  *lir.BlockT
	index  int
	order  int
	instrs []*lir.InstructionT
}

func (alloc *AllocatorT) insert(block *lir.BlockT, index int, order int, instrs ...*lir.InstructionT) {
	if len(instrs) == 0 {
		return
	}
	alloc.insertions = append(alloc.insertions,
		&insertionT{block: block, index: index, order: order, instrs: instrs})
}

//----------------------------------------------------------------
// Move batches.

type mappingT struct {
	from   *IntervalT
	to     *IntervalT
	source lir.LocationT
	dest   lir.LocationT
}

type moveResolverT struct {
	alloc         *AllocatorT
	pos           int // where the moves go, for error messages
	block         *lir.BlockT
	mappings      []*mappingT
	multipleReads bool // one source may feed several destinations
}

func (alloc *AllocatorT) newMoveResolver(block *lir.BlockT, pos int) *moveResolverT {
	return &moveResolverT{alloc: alloc, block: block, pos: pos}
}

// Adds a move from wherever 'from' is to wherever 'to' is.  Nothing
// needs to be done if 'to' is a constant, because constants are
// reloaded where they are used.

func (r *moveResolverT) add(from *IntervalT, to *IntervalT) {
	if to.Location.Kind == lir.Constant || from.Location == to.Location {
		return
	}
	r.mappings = append(r.mappings, &mappingT{from: from, to: to, source: from.Location, dest: to.Location})
}

func (r *moveResolverT) check() error {
	written := map[lir.LocationT]*mappingT{}
	read := map[int]*mappingT{}
	for _, m := range r.mappings {
		if other := written[m.dest]; other != nil {
			return r.alloc.fatal("%s written twice, by %s and %s",
				m.dest, r.alloc.varName(other.to.Var), r.alloc.varName(m.to.Var)).
				at(m.to.Var, r.block.Name, r.pos)
		}
		written[m.dest] = m
		if r.multipleReads {
			continue
		}
		if read[m.from.Index] != nil {
			return r.alloc.fatal("%s read twice", m.from).
				at(m.from.Var, r.block.Name, r.pos)
		}
		read[m.from.Index] = m
	}
	return nil
}

// Orders the moves and returns the instructions that do them.

func (r *moveResolverT) resolve() ([]*lir.InstructionT, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	blocked := map[lir.LocationT]int{}
	for _, m := range r.mappings {
		if m.source.Kind != lir.Constant {
			blocked[m.source] += 1
		}
	}
	result := []*lir.InstructionT{}
	pending := slices.Clone(r.mappings)
	for len(pending) != 0 {
		progress := false
		for i := 0; i < len(pending); {
			m := pending[i]
			count := blocked[m.dest]
			if count == 0 || (count == 1 && m.source == m.dest) {
				if m.source != m.dest {
					result = append(result, r.moveInstruction(m))
				}
				if m.source.Kind != lir.Constant {
					blocked[m.source] -= 1
				}
				pending = slices.Delete(pending, i, i+1)
				progress = true
			} else {
				i += 1
			}
		}
		if progress {
			continue
		}
		// Every remaining destination is some other move's source,
		// so there is a cycle.  A constant can be reloaded instead of
		// moved.  Otherwise store one of the values in its stack slot
		// and move it from there.
		i := slices.IndexFunc(pending, func(m *mappingT) bool {
			return m.source.Kind == lir.Register && r.alloc.parent(m.from).HasConstant
		})
		if 0 <= i {
			m := pending[i]
			blocked[m.source] -= 1
			m.source = lir.ConstantLocation(r.alloc.parent(m.from).Constant)
			continue
		}
		i = slices.IndexFunc(pending, func(m *mappingT) bool {
			return m.source.Kind == lir.Register
		})
		if i < 0 {
			return nil, r.alloc.fatal("unresolvable move cycle").at(-1, r.block.Name, r.pos)
		}
		m := pending[i]
		slot := lir.StackLocation(r.alloc.spillSlot(m.from))
		store := &mappingT{from: m.from, to: m.from, source: m.source, dest: slot}
		result = append(result, r.moveInstruction(store))
		blocked[m.source] -= 1
		m.source = slot
	}
	return result, nil
}

func (r *moveResolverT) moveInstruction(m *mappingT) *lir.InstructionT {
	alloc := r.alloc
	instr := &lir.InstructionT{Id: r.pos, Source: m.source, Dest: m.dest, Var: m.to.Var}
	switch {
	case m.source.Kind == lir.Constant:
		instr.Op = "ldc"
		instr.Inserted = lir.InsertedLoadConstant
		instr.Constant = m.source.Constant
		alloc.stats.ConstantLoads += 1
	case m.source.IsRegister() && m.dest.IsStack():
		instr.Op = "spill"
		instr.Inserted = lir.InsertedSpill
		// Cycle breaking stores have m.from == m.to.
		instr.SpillStore = m.from != m.to
		alloc.stats.SpillStores += 1
	default:
		instr.Op = "move"
		instr.Inserted = lir.InsertedMove
		alloc.stats.Moves += 1
	}
	if tr := alloc.tr.V("resolver"); tr.Logger != nil {
		tr.Printw("move", "block", r.block.Name, "pos", r.pos,
			"instr", lir.FormatInstruction(alloc.method, instr, alloc.target))
	}
	return instr
}

//----------------------------------------------------------------
// Split points within blocks.

func (alloc *AllocatorT) resolveSplitMoves() error {
	batches := map[int]*moveResolverT{}
	for v := range alloc.method.Vars {
		prev := alloc.intervals[v]
		if prev.IsEmpty() {
			continue
		}
		for it := alloc.next(prev); it != nil; prev, it = it, alloc.next(it) {
			if prev.To() != it.From() || prev.Location == it.Location {
				continue
			}
			pos := it.From()
			if alloc.callWrites(pos, prev.Location) {
				return alloc.fatal("%s moved out of %s after a call wrote it", it, prev.Location).
					at(v, alloc.blockOf(pos).Name, pos)
			}
			if pos%2 == 1 {
				pos += 1
			}
			if alloc.maxPos <= pos || alloc.blockOf(pos).From == pos {
				continue // handled as an edge
			}
			block := alloc.blockOf(pos)
			batch := batches[pos]
			if batch == nil {
				batch = alloc.newMoveResolver(block, pos)
				batches[pos] = batch
			}
			batch.add(prev, it)
		}
	}
	positions := make([]int, 0, len(batches))
	for pos := range batches {
		positions = append(positions, pos)
	}
	slices.Sort(positions)
	for _, pos := range positions {
		batch := batches[pos]
		instrs, err := batch.resolve()
		if err != nil {
			return err
		}
		alloc.insert(batch.block, alloc.indexAt[pos/2], orderSplitMove, instrs...)
	}
	return nil
}

//----------------------------------------------------------------
// Control-flow edges.  For every variable live into a block the value
// has to get from where it is at the end of each predecessor to where
// it is at the start of the block.

func (alloc *AllocatorT) resolveEdgeMoves() error {
	for _, from := range alloc.order {
		for _, to := range from.Next {
			if err := alloc.resolveEdge(from, to); err != nil {
				return err
			}
		}
	}
	return nil
}

func (alloc *AllocatorT) resolveEdge(from *lir.BlockT, to *lir.BlockT) error {
	var block *lir.BlockT
	var index, order, pos int
	switch {
	case len(from.Next) == 1:
		block = from
		index = len(from.Instructions) - 1
		order = orderEdgeExit
		pos = from.To - 2
	case len(to.Previous) == 1:
		block = to
		index = 0
		order = orderEdgeEntry
		pos = to.From
	default:
		return alloc.fatal("critical edge to %s", to.Name).at(-1, from.Name, from.To-2)
	}
	batch := alloc.newMoveResolver(block, pos)
	var live []int
	for _, v := range alloc.liveIn[to.Index].AppendTo(live) {
		parent := alloc.intervals[v]
		if parent.Fixed {
			continue
		}
		source := alloc.ChildAt(parent, from.To-2, false)
		dest := alloc.ChildAt(parent, to.From, false)
		if source == nil || dest == nil {
			return alloc.fatal("no interval for live value on edge to %s", to.Name).
				at(v, from.Name, from.To-2)
		}
		if source != dest {
			batch.add(source, dest)
		}
	}
	instrs, err := batch.resolve()
	if err != nil {
		return err
	}
	alloc.insert(block, index, order, instrs...)
	return nil
}

//----------------------------------------------------------------

func (alloc *AllocatorT) resolve() error {
	if err := alloc.resolveSplitMoves(); err != nil {
		return err
	}
	if err := alloc.resolveEdgeMoves(); err != nil {
		return err
	}
	alloc.eliminateSpillMoves()
	alloc.applyInsertions()
	if alloc.tr.If("dump_lir") {
		alloc.tr.Printw("allocated", "lir", alloc.FormatMethod())
	}
	return nil
}

// Splices the inserted instructions into the blocks.

func (alloc *AllocatorT) applyInsertions() {
	byBlock := map[*lir.BlockT][]*insertionT{}
	for _, insertion := range alloc.insertions {
		byBlock[insertion.block] = append(byBlock[insertion.block], insertion)
	}
	for _, block := range alloc.order {
		insertions := byBlock[block]
		if len(insertions) == 0 {
			continue
		}
		slices.SortStableFunc(insertions, func(x, y *insertionT) int {
			if x.index != y.index {
				return x.index - y.index
			}
			return x.order - y.order
		})
		old := block.Instructions
		instrs := make([]*lir.InstructionT, 0, len(old)+len(insertions))
		next := 0
		for i, instr := range old {
			for ; next < len(insertions) && insertions[next].index <= i; next++ {
				instrs = append(instrs, insertions[next].instrs...)
			}
			instrs = append(instrs, instr)
		}
		for ; next < len(insertions); next++ {
			instrs = append(instrs, insertions[next].instrs...)
		}
		block.Instructions = instrs
	}
	alloc.insertions = nil
}
