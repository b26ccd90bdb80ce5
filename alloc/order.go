// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Block order for numbering.
//
// A block is placed once all of its forward predecessors have been
// placed.  Among the blocks that are ready, ones in the innermost loop
// we are currently in come first, so each loop body is contiguous.
// After that deeper loops come first and then the original order.

package alloc

import (
	"github.com/s48/linscan/lir"
)

func (alloc *AllocatorT) analyzeControlFlow() error {
	method := alloc.method
	if err := method.Validate(); err != nil {
		return err
	}
	if err := method.BindTarget(alloc.target); err != nil {
		return err
	}
	if added := method.SplitCriticalEdges(); added != 0 {
		alloc.tr.Printw("split critical edges", "added", added)
	}
	reachable := findDominators(method)
	if len(reachable) != len(method.Blocks) {
		for _, block := range method.Blocks {
			if block != method.Blocks[0] && block.Dominator == nil {
				return alloc.fatal("unreachable block").at(-1, block.Name, -1)
			}
		}
	}
	loops := findLoops(reachable, method.Blocks)
	setFrequencies(reachable)
	order, err := alloc.linearScanOrder()
	if err != nil {
		return err
	}
	alloc.order = order
	alloc.tr.Printw("control flow", "blocks", len(order), "loops", len(loops))
	return nil
}

func isBackEdge(from *lir.BlockT, to *lir.BlockT) bool {
	return dominates(to, from)
}

func inLoop(block *lir.BlockT, header *lir.BlockT) bool {
	for loop := block.LoopHeader; loop != nil; loop = loop.LoopParent {
		if loop == header {
			return true
		}
	}
	return false
}

func (alloc *AllocatorT) linearScanOrder() ([]*lir.BlockT, error) {
	blocks := alloc.method.Blocks
	waiting := make([]int, len(blocks))
	for _, block := range blocks {
		for _, prev := range block.Previous {
			if !isBackEdge(prev, block) {
				waiting[block.Index] += 1
			}
		}
	}
	ready := []*lir.BlockT{blocks[0]}
	openLoops := []*lir.BlockT{}
	order := []*lir.BlockT{}

	for len(ready) != 0 {
		best := -1
		for best < 0 {
			for i, block := range ready {
				if len(openLoops) != 0 && !inLoop(block, openLoops[len(openLoops)-1]) {
					continue
				}
				if best < 0 || better(block, ready[best]) {
					best = i
				}
			}
			if best < 0 {
				openLoops = openLoops[:len(openLoops)-1]
			}
		}
		block := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		block.Order = len(order)
		order = append(order, block)
		if block.LoopHeader == block {
			openLoops = append(openLoops, block)
		}
		for _, next := range block.Next {
			if isBackEdge(block, next) {
				continue
			}
			waiting[next.Index] -= 1
			if waiting[next.Index] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(blocks) {
		return nil, alloc.bailout("irreducible control flow")
	}
	return order, nil
}

func better(x *lir.BlockT, y *lir.BlockT) bool {
	if x.LoopDepth != y.LoopDepth {
		return y.LoopDepth < x.LoopDepth
	}
	return x.Index < y.Index
}
