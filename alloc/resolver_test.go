// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package alloc

import (
	"fmt"
	"testing"

	"github.com/s48/linscan/lir"
)

func moveTestAllocator(varCount int) *AllocatorT {
	method := &lir.MethodT{Name: "moves"}
	for i := 0; i < varCount; i++ {
		method.Vars = append(method.Vars, &lir.VarT{Name: fmt.Sprintf("v%d", i), Fixed: -1})
	}
	alloc := NewAllocator(method, testTarget(4), DefaultOptions())
	for v := range method.Vars {
		alloc.newInterval(v)
	}
	return alloc
}

// A piece of 'v' that lives in 'loc'.
func moveTestChild(alloc *AllocatorT, v int, loc lir.LocationT) *IntervalT {
	child := alloc.newInterval(v)
	child.Parent = v
	child.Location = loc
	return child
}

var testBlock = &lir.BlockT{Name: "b"}

func reg(r int) lir.LocationT {
	return lir.RegisterLocation(r)
}

// Runs the moves on a map from locations to variables.
func runMoves(t *testing.T, instrs []*lir.InstructionT, state map[lir.LocationT]int) {
	t.Helper()
	for _, instr := range instrs {
		switch instr.Inserted {
		case lir.InsertedLoadConstant:
			state[instr.Dest] = instr.Var
		case lir.InsertedMove, lir.InsertedSpill:
			v, found := state[instr.Source]
			if !found {
				t.Fatalf("move from empty %s", instr.Source)
			}
			state[instr.Dest] = v
		default:
			t.Fatalf("unexpected instruction %s", instr.Op)
		}
	}
}

func countOps(instrs []*lir.InstructionT) map[string]int {
	counts := map[string]int{}
	for _, instr := range instrs {
		counts[instr.Op] += 1
	}
	return counts
}

func TestMoveCycle(t *testing.T) {
	alloc := moveTestAllocator(2)
	alloc.intervals[0].Location = reg(0)
	alloc.intervals[1].Location = reg(1)
	r := alloc.newMoveResolver(testBlock, 6)
	r.add(alloc.intervals[0], moveTestChild(alloc, 0, reg(1)))
	r.add(alloc.intervals[1], moveTestChild(alloc, 1, reg(0)))
	instrs, err := r.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	counts := countOps(instrs)
	if len(instrs) != 3 || counts["spill"] != 1 || counts["move"] != 2 {
		t.Errorf("cycle resolved to %v", counts)
	}
	if instrs[0].SpillStore {
		t.Errorf("cycle store is marked as a spill store")
	}
	if alloc.slotCount != 1 {
		t.Errorf("%d slots used", alloc.slotCount)
	}
	state := map[lir.LocationT]int{reg(0): 0, reg(1): 1}
	runMoves(t, instrs, state)
	if state[reg(0)] != 1 || state[reg(1)] != 0 {
		t.Errorf("swap gives %v", state)
	}
}

// v0 r0->r1, v1 r1->r2, v2 r2->r3 and the constant v3 into r0.

func TestMoveChain(t *testing.T) {
	alloc := moveTestAllocator(4)
	r := alloc.newMoveResolver(testBlock, 6)
	for v := 0; v < 3; v++ {
		alloc.intervals[v].Location = reg(v)
		r.add(alloc.intervals[v], moveTestChild(alloc, v, reg(v+1)))
	}
	alloc.intervals[3].Location = lir.ConstantLocation(9)
	alloc.intervals[3].HasConstant = true
	alloc.intervals[3].Constant = 9
	r.add(alloc.intervals[3], moveTestChild(alloc, 3, reg(0)))
	instrs, err := r.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	counts := countOps(instrs)
	if len(instrs) != 4 || counts["move"] != 3 || counts["ldc"] != 1 {
		t.Errorf("chain resolved to %v", counts)
	}
	if alloc.slotCount != 0 {
		t.Errorf("%d slots used", alloc.slotCount)
	}
	state := map[lir.LocationT]int{reg(0): 0, reg(1): 1, reg(2): 2}
	runMoves(t, instrs, state)
	for v := 0; v < 3; v++ {
		if state[reg(v+1)] != v {
			t.Errorf("r%d holds v%d", v+1, state[reg(v+1)])
		}
	}
	if state[reg(0)] != 3 {
		t.Errorf("r0 holds v%d", state[reg(0)])
	}
}

// A constant in a cycle is reloaded instead of stored.

func TestMoveCycleWithConstant(t *testing.T) {
	alloc := moveTestAllocator(2)
	alloc.intervals[0].Location = reg(0)
	alloc.intervals[0].HasConstant = true
	alloc.intervals[0].Constant = 5
	alloc.intervals[1].Location = reg(1)
	r := alloc.newMoveResolver(testBlock, 6)
	r.add(alloc.intervals[0], moveTestChild(alloc, 0, reg(1)))
	r.add(alloc.intervals[1], moveTestChild(alloc, 1, reg(0)))
	instrs, err := r.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	counts := countOps(instrs)
	if len(instrs) != 2 || counts["move"] != 1 || counts["ldc"] != 1 || alloc.slotCount != 0 {
		t.Errorf("cycle resolved to %v with %d slots", counts, alloc.slotCount)
	}
	state := map[lir.LocationT]int{reg(0): 0, reg(1): 1}
	runMoves(t, instrs, state)
	if state[reg(0)] != 1 || state[reg(1)] != 0 {
		t.Errorf("swap gives %v", state)
	}
}

func TestMoveToStack(t *testing.T) {
	alloc := moveTestAllocator(2)
	alloc.intervals[0].Location = reg(0)
	alloc.intervals[1].Location = lir.StackLocation(3)
	r := alloc.newMoveResolver(testBlock, 6)
	r.add(alloc.intervals[0], moveTestChild(alloc, 0, lir.StackLocation(0)))
	r.add(alloc.intervals[1], moveTestChild(alloc, 1, reg(0)))
	// No move is needed when the location doesn't change.
	r.add(alloc.intervals[1], moveTestChild(alloc, 1, lir.StackLocation(3)))
	instrs, err := r.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(instrs) != 2 || instrs[0].Op != "spill" || !instrs[0].SpillStore || instrs[1].Op != "move" {
		t.Errorf("resolved to %v", countOps(instrs))
	}
}

func TestMoveWrittenTwice(t *testing.T) {
	alloc := moveTestAllocator(2)
	alloc.intervals[0].Location = reg(0)
	alloc.intervals[1].Location = reg(1)
	r := alloc.newMoveResolver(testBlock, 6)
	r.add(alloc.intervals[0], moveTestChild(alloc, 0, reg(2)))
	r.add(alloc.intervals[1], moveTestChild(alloc, 1, reg(2)))
	if _, err := r.resolve(); !IsFatal(err) {
		t.Fatalf("double write returned %v", err)
	}
}

func TestMoveReadTwice(t *testing.T) {
	for _, multipleReads := range []bool{false, true} {
		alloc := moveTestAllocator(1)
		alloc.intervals[0].Location = reg(0)
		r := alloc.newMoveResolver(testBlock, 6)
		r.multipleReads = multipleReads
		r.add(alloc.intervals[0], moveTestChild(alloc, 0, reg(1)))
		r.add(alloc.intervals[0], moveTestChild(alloc, 0, reg(2)))
		instrs, err := r.resolve()
		switch {
		case !multipleReads && !IsFatal(err):
			t.Errorf("double read returned %v", err)
		case multipleReads && (err != nil || len(instrs) != 2):
			t.Errorf("allowed double read returned %d moves and %v", len(instrs), err)
		}
	}
}

//----------------------------------------------------------------

func TestApplyInsertions(t *testing.T) {
	alloc := moveTestAllocator(1)
	block := &lir.BlockT{Name: "b", Instructions: []*lir.InstructionT{{Op: "x"}, {Op: "y"}}}
	alloc.order = []*lir.BlockT{block}
	op := func(name string) *lir.InstructionT {
		return &lir.InstructionT{Op: name, Inserted: lir.InsertedMove}
	}
	alloc.insert(block, 1, orderEdgeExit, op("exit"))
	alloc.insert(block, 1, orderSplitMove, op("split"))
	alloc.insert(block, 0, orderEdgeEntry, op("entry"))
	alloc.insert(block, 1, orderSpillStore, op("store"))
	alloc.insert(block, 0, orderSplitMove)
	alloc.applyInsertions()
	ops := blockOps(block)
	expected := []string{"entry", "x", "store", "split", "exit", "y"}
	if len(ops) != len(expected) {
		t.Fatalf("instructions are %v", ops)
	}
	for i := range ops {
		if ops[i] != expected[i] {
			t.Fatalf("instructions are %v, expected %v", ops, expected)
		}
	}
}
