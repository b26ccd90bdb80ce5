// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Moving spill stores out of loops.
//
// A value that is defined outside of a loop and spilled inside of it
// would be stored on every iteration.  Instead we store it once, in
// a block that dominates all of the places where the value is on the
// stack, as long as that block is executed less often than the
// definition.  Otherwise the value is stored right after it is
// defined.

package alloc

import (
	"github.com/s48/linscan/lir"
)

func (alloc *AllocatorT) optimizeSpillPositions() error {
	if !alloc.options.OptimizeSpillPosition {
		return nil
	}
	for v := range alloc.method.Vars {
		parent := alloc.intervals[v]
		if parent.SpillState != SpillInDominator {
			continue
		}
		if !alloc.optimizeSpillPosition(parent) {
			parent.SpillState = StoreAtDefinition
		}
	}
	return nil
}

// Returns false if the store should be at the definition.

func (alloc *AllocatorT) optimizeSpillPosition(parent *IntervalT) bool {
	defBlock := alloc.blockOf(parent.SpillDefinitionPos)
	var spillBlock *lir.BlockT
	for it := parent; it != nil; it = alloc.next(it) {
		if !it.Location.IsStack() {
			continue
		}
		for _, r := range it.ranges {
			first := alloc.blockOf(r.From).Order
			last := alloc.blockOf(r.To - 1).Order
			for i := first; i <= last; i++ {
				block := alloc.order[i]
				if !dominates(defBlock, block) {
					continue
				}
				if spillBlock == nil {
					spillBlock = block
				} else {
					spillBlock = commonDominator(spillBlock, block)
				}
			}
		}
	}
	if spillBlock == nil {
		return false
	}
	if defBlock.LoopDepth < spillBlock.LoopDepth {
		spillBlock = moveSpillOutOfLoop(defBlock, spillBlock)
	}
	if spillBlock == defBlock || defBlock.Frequency <= spillBlock.Frequency {
		return false
	}
	child := alloc.ChildAt(parent, spillBlock.From, false)
	if child == nil || !child.Location.IsRegister() {
		return false
	}
	store := &lir.InstructionT{
		Op:         "spill",
		Id:         spillBlock.From,
		Inserted:   lir.InsertedSpill,
		Source:     child.Location,
		Dest:       lir.StackLocation(alloc.spillSlot(parent)),
		Var:        parent.Var,
		SpillStore: false}
	alloc.insert(spillBlock, 0, orderSpillStore, store)
	alloc.stats.SpillStores += 1
	parent.SpillDefinitionPos = spillBlock.From
	alloc.tr.Printw("spill in dominator", "var", alloc.varName(parent.Var),
		"block", spillBlock.Name, "def_block", defBlock.Name)
	return true
}

// Walk up the dominator tree from 'spillBlock' until we get to a
// block no more deeply nested than the definition.

func moveSpillOutOfLoop(defBlock *lir.BlockT, spillBlock *lir.BlockT) *lir.BlockT {
	for block := spillBlock.Dominator; block != nil && block != defBlock; block = block.Dominator {
		if block.LoopDepth <= defBlock.LoopDepth {
			return block
		}
	}
	return defBlock
}
