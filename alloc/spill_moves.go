// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package alloc

import (
	"github.com/s48/linscan/lir"
)

// The value is in its stack slot from its spill definition position
// on, so moves into the slot are not needed.
func (alloc *AllocatorT) alwaysInMemory(parent *IntervalT) bool {
	switch parent.SpillState {
	case StoreAtDefinition, StartInMemory, SpillInDominator:
		return !parent.HasConstant
	}
	return false
}

// Removes the spill stores of values that are always in memory and
// adds a store after the definition of those that need one.

func (alloc *AllocatorT) eliminateSpillMoves() {
	for _, insertion := range alloc.insertions {
		kept := insertion.instrs[:0]
		for _, instr := range insertion.instrs {
			if instr.SpillStore && alloc.alwaysInMemory(alloc.intervals[instr.Var]) {
				alloc.stats.EliminatedStores += 1
				continue
			}
			kept = append(kept, instr)
		}
		insertion.instrs = kept
	}

	for v := range alloc.method.Vars {
		parent := alloc.intervals[v]
		if parent.SpillState != StoreAtDefinition || parent.HasConstant {
			continue
		}
		def := parent.SpillDefinitionPos
		child := alloc.ChildAt(parent, def, false)
		if child == nil || !child.Location.IsRegister() {
			continue // the definition writes to the stack
		}
		block := alloc.blockOf(def)
		store := &lir.InstructionT{
			Op:       "spill",
			Id:       def,
			Inserted: lir.InsertedSpill,
			Source:   child.Location,
			Dest:     lir.StackLocation(alloc.spillSlot(parent)),
			Var:      v}
		alloc.insert(block, alloc.indexAt[def/2]+1, orderSpillStore, store)
		alloc.stats.SpillStores += 1
	}
}

//----------------------------------------------------------------
// Copy the final locations into the operands.

func (alloc *AllocatorT) assignLocations() error {
	for _, block := range alloc.order {
		for _, instr := range block.Instructions {
			for _, operand := range instr.Operands {
				pos := instr.Id
				if operand.Role == lir.Output && instr.DestroysCallerSaved {
					pos += 1
				}
				child := alloc.ChildAt(alloc.intervals[operand.Var], pos, operand.Role == lir.Input)
				if child == nil || !child.Location.IsAssigned() {
					return alloc.fatal("no location for %s", alloc.varName(operand.Var)).
						at(operand.Var, block.Name, instr.Id)
				}
				operand.Location = child.Location
			}
		}
	}
	return nil
}
