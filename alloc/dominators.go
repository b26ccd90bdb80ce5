// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Dominators and loops.

package alloc

import (
	"math"
	"slices"

	"github.com/oleiade/lane"
	"golang.org/x/tools/container/intsets"

	"github.com/s48/linscan/lir"
)

// Blocks reachable from the entry in depth-first postorder.  The
// stack is explicit so that long chains of blocks don't use up the
// goroutine stack.

type dfsFrameT struct {
	block *lir.BlockT
	next  int
}

func postorder(entry *lir.BlockT, blockCount int) []*lir.BlockT {
	result := []*lir.BlockT{}
	visited := make([]bool, blockCount)
	stack := lane.NewStack()
	stack.Push(&dfsFrameT{block: entry})
	visited[entry.Index] = true
	for !stack.Empty() {
		frame := stack.Head().(*dfsFrameT)
		if frame.next < len(frame.block.Next) {
			succ := frame.block.Next[frame.next]
			frame.next += 1
			if !visited[succ.Index] {
				visited[succ.Index] = true
				stack.Push(&dfsFrameT{block: succ})
			}
		} else {
			stack.Pop()
			result = append(result, frame.block)
		}
	}
	return result
}

// From "A Simple, Fast Dominance Algorithm" by Cooper, Harvey, and
// Kennedy.  Sets the Dominator field of every reachable block (nil
// for the entry) and returns them in postorder.

func findDominators(method *lir.MethodT) []*lir.BlockT {
	entry := method.Blocks[0]
	nodes := postorder(entry, len(method.Blocks))
	indexes := make([]int, len(method.Blocks))
	for i := range indexes {
		indexes[i] = -1
	}
	for i, node := range nodes {
		indexes[node.Index] = i
	}
	// Nodes are indexed postorder, so the entry has the highest index.
	root := len(nodes) - 1
	doms := make([]int, len(nodes))
	for i := range doms {
		doms[i] = -1
	}
	doms[root] = root
	changed := true
	for changed {
		changed = false
		for i := root - 1; 0 <= i; i-- {
			newIdom := -1
			for _, pred := range nodes[i].Previous {
				other := indexes[pred.Index]
				if other < 0 || doms[other] == -1 {
					continue // unreachable or not yet processed
				}
				if newIdom == -1 {
					newIdom = other
					continue
				}
				for other != newIdom {
					for other < newIdom {
						other = doms[other]
					}
					for newIdom < other {
						newIdom = doms[newIdom]
					}
				}
			}
			if doms[i] != newIdom {
				doms[i] = newIdom
				changed = true
			}
		}
	}
	for i, node := range nodes {
		if i == root {
			node.Dominator = nil
		} else {
			node.Dominator = nodes[doms[i]]
		}
	}
	return nodes
}

func dominates(dominator *lir.BlockT, block *lir.BlockT) bool {
	for ; block != nil; block = block.Dominator {
		if block == dominator {
			return true
		}
	}
	return false
}

// Uses the linear-scan order numbers, in which a dominator always
// comes before the blocks it dominates.
func commonDominator(x *lir.BlockT, y *lir.BlockT) *lir.BlockT {
	for x != y {
		if x.Order < y.Order {
			y = y.Dominator
		} else {
			x = x.Dominator
		}
	}
	return x
}

//----------------------------------------------------------------
// Loops.  This can't handle irreducible control flow; the block
// ordering notices if there is any.

type loopT struct {
	header    *lir.BlockT
	blocks    intsets.Sparse // block indexes, header included
	backEdges []*lir.BlockT
}

// Sets LoopHeader, LoopParent, LoopDepth and IsLoopEnd on the
// reachable blocks.  Dominators must already be known.

func findLoops(blocks []*lir.BlockT, byIndex []*lir.BlockT) []*loopT {
	loops := map[*lir.BlockT]*loopT{}
	headers := []*loopT{}
	for _, block := range blocks {
		block.LoopHeader = nil
		block.LoopParent = nil
		block.LoopDepth = 0
		block.IsLoopEnd = false
	}
	for _, block := range blocks {
		for _, next := range block.Next {
			if !dominates(next, block) {
				continue
			}
			loop := loops[next]
			if loop == nil {
				loop = &loopT{header: next}
				loop.blocks.Insert(next.Index)
				loops[next] = loop
				headers = append(headers, loop)
			}
			loop.backEdges = append(loop.backEdges, block)
			block.IsLoopEnd = true
			addLoopBlocks(loop, block)
		}
	}

	// Sort loops from biggest to smallest, so that outer loops are
	// processed before inner loops and each loop ends up with its
	// proper depth and immediate parent.
	slices.SortStableFunc(headers, func(x, y *loopT) int {
		return y.blocks.Len() - x.blocks.Len()
	})
	for _, loop := range headers {
		header := loop.header
		header.LoopDepth += 1
		header.LoopParent = header.LoopHeader
		header.LoopHeader = header
		var members []int
		for _, index := range loop.blocks.AppendTo(members) {
			member := byIndex[index]
			member.LoopHeader = header
			member.LoopDepth = header.LoopDepth
		}
	}
	return headers
}

// Walk up the 'Previous' links from 'block' until reaching the
// header, adding everything to the loop.
func addLoopBlocks(loop *loopT, block *lir.BlockT) {
	work := []*lir.BlockT{block}
	for len(work) != 0 {
		next := work[len(work)-1]
		work = work[:len(work)-1]
		if !loop.blocks.Insert(next.Index) {
			continue
		}
		for _, prev := range next.Previous {
			work = append(work, prev)
		}
	}
}

// Blocks without a frequency from the source get one from their
// loop depth.
func setFrequencies(blocks []*lir.BlockT) {
	for _, block := range blocks {
		if block.Frequency == 0 {
			block.Frequency = math.Pow(10, float64(block.LoopDepth))
		}
	}
}
