// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Checking an allocation by replaying it.
//
// We track which variable is in each register and stack slot at each
// point in the method, flowing the state forward through the blocks
// until nothing changes.  Every input must find its variable in the
// location it was assigned.  Where blocks join, locations that hold
// different variables on different incoming edges hold nothing.

package alloc

import (
	"maps"

	"golang.org/x/tools/container/intsets"

	"github.com/s48/linscan/lir"
)

type locationStateT map[lir.LocationT]int

func (alloc *AllocatorT) Verify() error {
	blocks := alloc.method.Blocks
	entries := make([]locationStateT, len(blocks))
	entries[blocks[0].Index] = locationStateT{}
	var pending intsets.Sparse
	work := []*lir.BlockT{blocks[0]}
	pending.Insert(blocks[0].Index)
	callerSaved := alloc.target.CallerSaved()

	for len(work) != 0 {
		block := work[0]
		work = work[1:]
		pending.Remove(block.Index)
		state := maps.Clone(entries[block.Index])
		if err := alloc.verifyBlock(block, state, callerSaved); err != nil {
			return err
		}
		for _, next := range block.Next {
			if mergeLocationState(&entries[next.Index], state) && pending.Insert(next.Index) {
				work = append(work, next)
			}
		}
	}
	return nil
}

// Returns true if 'entry' changed.

func mergeLocationState(entry *locationStateT, state locationStateT) bool {
	if *entry == nil {
		*entry = maps.Clone(state)
		return true
	}
	changed := false
	for loc, v := range *entry {
		if other, found := state[loc]; !found || other != v {
			delete(*entry, loc)
			changed = true
		}
	}
	return changed
}

func (alloc *AllocatorT) verifyBlock(block *lir.BlockT, state locationStateT, callerSaved []int) error {
	mismatch := func(v int, instr *lir.InstructionT, loc lir.LocationT) error {
		holder := "nothing"
		if other, found := state[loc]; found {
			holder = alloc.varName(other)
		}
		return alloc.fatal("verifier: %s expected in %s, which holds %s",
			alloc.varName(v), loc.Format(alloc.target), holder).
			at(v, block.Name, instr.Id)
	}
	// A new value for 'v' makes any other copies out of date.
	define := func(v int, loc lir.LocationT) {
		if loc.Kind == lir.Constant {
			return
		}
		for other, w := range state {
			if w == v {
				delete(state, other)
			}
		}
		state[loc] = v
	}

	for _, instr := range block.Instructions {
		switch instr.Inserted {
		case lir.InsertedMove, lir.InsertedSpill:
			if v, found := state[instr.Source]; !found || v != instr.Var {
				return mismatch(instr.Var, instr, instr.Source)
			}
			state[instr.Dest] = instr.Var
			continue
		case lir.InsertedLoadConstant:
			state[instr.Dest] = instr.Var
			continue
		}
		for _, operand := range instr.Operands {
			if !operand.IsUse() || operand.Location.Kind == lir.Constant {
				continue
			}
			if v, found := state[operand.Location]; !found || v != operand.Var {
				return mismatch(operand.Var, instr, operand.Location)
			}
		}
		if instr.DestroysCallerSaved {
			for _, r := range callerSaved {
				delete(state, lir.RegisterLocation(r))
			}
		}
		for _, operand := range instr.Operands {
			if operand.Role == lir.Temp {
				define(operand.Var, operand.Location)
			}
		}
		for _, operand := range instr.Operands {
			if operand.Role == lir.Output {
				define(operand.Var, operand.Location)
			}
		}
	}
	return nil
}
