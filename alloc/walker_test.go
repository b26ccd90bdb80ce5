// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package alloc

import (
	"context"
	"slices"
	"testing"

	"github.com/s48/linscan/lir"
	"github.com/s48/linscan/targets"
)

// Three values and two registers.  When 'c' arrives 'a' and 'b' are
// both in registers and 'a' is the one needed last.

const furthestMethod = `
(method furthest
  (test (in 1 2 3) (out 1))
  (block entry
    (arg (out a))
    (arg (out b))
    (arg (out c))
    (use (in b))
    (use (in c))
    (return (in a))))`

func TestFurthestUseEvicted(t *testing.T) {
	alloc := allocate(t, furthestMethod, testTarget(2))
	method := alloc.Method()
	a := alloc.VarInterval(varIndex(t, method, "a"))
	if child := alloc.ChildAt(a, 7, false); child == nil || !child.Location.IsStack() {
		t.Errorf("a is not on the stack at 7:\n%s", alloc.DumpIntervals())
	}
	for _, name := range []string{"b", "c"} {
		v := varIndex(t, method, name)
		if children := alloc.Children(v); len(children) != 1 || !children[0].Location.IsRegister() {
			t.Errorf("%s was spilled:\n%s", name, alloc.DumpIntervals())
		}
	}
	ops := blockOps(method.Blocks[0])
	expected := []string{"arg", "arg", "spill", "arg", "use", "use", "move", "return"}
	if !slices.Equal(ops, expected) {
		t.Errorf("instructions are %v, expected %v", ops, expected)
	}
	if stats := alloc.Stats(); stats.SpillSlots != 1 || stats.SpillStores != 1 || stats.Moves != 1 {
		t.Errorf("stats %+v", stats)
	}
	checkTests(t, alloc)
}

// The same with only one register.  Each new value pushes the one
// before it out.

func TestFurthestUseEvictedOneRegister(t *testing.T) {
	alloc := allocate(t, furthestMethod, testTarget(1))
	method := alloc.Method()
	a := alloc.VarInterval(varIndex(t, method, "a"))
	if child := alloc.ChildAt(a, 7, false); child == nil || !child.Location.IsStack() {
		t.Errorf("a is not on the stack at 7:\n%s", alloc.DumpIntervals())
	}
	for _, name := range []string{"a", "b", "c"} {
		stacked := false
		for _, child := range alloc.Children(varIndex(t, method, name)) {
			stacked = stacked || child.Location.IsStack()
		}
		if !stacked {
			t.Errorf("%s was never spilled:\n%s", name, alloc.DumpIntervals())
		}
	}
	if stats := alloc.Stats(); stats.SpillSlots != 3 {
		t.Errorf("stats %+v", stats)
	}
	checkTests(t, alloc)
}

// 'c' is evicted, but it is a constant and so is reloaded rather than
// stored.

const rematMethod = `
(method remat
  (test (in 4 5) (out 16))
  (block entry
    (const c 7)
    (arg (out x))
    (arg (out y))
    (add (out s) (in x) (in y))
    (add (out t) (in s) (in c))
    (return (in t))))`

func TestConstantRematerialized(t *testing.T) {
	alloc := allocate(t, rematMethod, testTarget(2))
	method := alloc.Method()
	v := varIndex(t, method, "c")
	if !alloc.VarInterval(v).HasConstant {
		t.Fatalf("c is not a constant")
	}
	sawConstant := false
	for _, child := range alloc.Children(v) {
		if child.Location.IsStack() {
			t.Errorf("c has a stack slot:\n%s", alloc.DumpIntervals())
		}
		if child.Location.Kind == lir.Constant {
			sawConstant = true
		}
	}
	if !sawConstant {
		t.Errorf("c was never rematerialized:\n%s", alloc.DumpIntervals())
	}
	loads := 0
	for _, instr := range method.Blocks[0].Instructions {
		if instr.Inserted == lir.InsertedLoadConstant {
			loads += 1
			if instr.Op != "ldc" || instr.Constant != 7 || instr.Var != v {
				t.Errorf("bad constant load %s", lir.FormatInstruction(method, instr, alloc.Target()))
			}
		}
	}
	if loads != 1 {
		t.Errorf("%d constant loads:\n%s", loads, alloc.FormatMethod())
	}
	if stats := alloc.Stats(); stats.SpillSlots != 0 || stats.ConstantLoads != 1 {
		t.Errorf("stats %+v", stats)
	}
	checkTests(t, alloc)
}

// Four values in the loop body and three registers.  'k' is spilled
// inside the loop; the store is moved to its definition, outside of
// the loop, and the one in the loop is dropped.

const pressureMethod = `
(method pressure
  (test (in 3 5) (out 15))
  (test (in 1 2) (out 2))
  (block entry (next head)
    (arg (out n))
    (arg (out k))
    (const acc 0)
    (jump))
  (block head (next body exit)
    (branch (in n)))
  (block body (next head)
    (add (out acc) (in acc) (in k))
    (const one 1)
    (sub (out n) (in n) (in one))
    (jump))
  (block exit
    (return (in acc))))`

func TestSpillInLoop(t *testing.T) {
	alloc := allocate(t, pressureMethod, testTarget(3))
	method := alloc.Method()
	k := alloc.VarInterval(varIndex(t, method, "k"))
	if k.SpillState != StoreAtDefinition {
		t.Errorf("k has spill state %s:\n%s", k.SpillState, alloc.DumpIntervals())
	}
	if stats := alloc.Stats(); stats.SpillSlots != 1 || stats.EliminatedStores != 1 {
		t.Errorf("stats %+v", stats)
	}
	entry := blockOps(method.Blocks[0])
	if expected := []string{"arg", "arg", "spill", "const", "jump"}; !slices.Equal(entry, expected) {
		t.Errorf("entry is %v, expected %v", entry, expected)
	}
	body := blockOps(method.Blocks[2])
	if expected := []string{"add", "const", "sub", "move", "jump"}; !slices.Equal(body, expected) {
		t.Errorf("body is %v, expected %v", body, expected)
	}
	checkTests(t, alloc)
}

// Without spill position optimization the store is still at the
// definition because the definition is outside of the loop.

func TestSpillInLoopUnoptimized(t *testing.T) {
	method := readMethod(t, pressureMethod)
	options := verifyOptions()
	options.OptimizeSpillPosition = false
	alloc, err := Allocate(context.Background(), method, testTarget(3), options)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	k := alloc.VarInterval(varIndex(t, method, "k"))
	if k.SpillState != StoreAtDefinition {
		t.Errorf("k has spill state %s", k.SpillState)
	}
	checkTests(t, alloc)
}

// A call's output takes the register of a value that is live across
// the call.  The value has to be moved out before the call writes its
// output.

const callsMethod = `
(method calls
  (test (in 3 4) (out 32))
  (block entry
    (arg (out x))
    (arg (out y))
    (call square (out sx) (in x))
    (call square (out sy) (in y))
    (add (out s) (in sx) (in sy))
    (call add3 (out t) (in s) (in x) (in y))
    (return (in t))))`

func TestCallOutputEvicts(t *testing.T) {
	alloc := allocate(t, callsMethod, targets.Synthetic(4))
	method := alloc.Method()
	call := method.Blocks[0].Instructions[3]
	if call.Op != "call" || method.Blocks[0].Instructions[2].Op != "spill" {
		t.Errorf("no spill before the first call:\n%s", alloc.FormatMethod())
	}
	sx := call.Operands[0]
	if !sx.Location.IsRegister() || alloc.Target().Registers[sx.Location.Register].CallerSaved {
		t.Errorf("sx is in %s", sx.Location.Format(alloc.Target()))
	}
	checkTests(t, alloc)
}

func TestBlockedRegisterPressure(t *testing.T) {
	method := readMethod(t, `
(method crowded
  (block entry
    (arg (out a))
    (arg (out b))
    (add3 (out c) (in a) (in b) (alive a))
    (return (in c))))`)
	_, err := Allocate(context.Background(), method, testTarget(1), DefaultOptions())
	if !IsBailout(err) {
		t.Fatalf("one register for two inputs returned %v", err)
	}
}

func TestSplitBefore(t *testing.T) {
	for _, test := range [][2]int{{8, 7}, {7, 7}, {2, 1}} {
		if pos := splitBefore(test[0]); pos != test[1] {
			t.Errorf("splitBefore(%d) is %d, expected %d", test[0], pos, test[1])
		}
	}
}

// The calls in callsMethod are at 6, 8 and 12.

func TestSplitBeforeReuse(t *testing.T) {
	alloc := allocate(t, callsMethod, targets.Synthetic(4))
	for _, test := range [][2]int{{7, 5}, {8, 7}, {9, 7}, {10, 9}, {11, 11}, {13, 11}, {5, 5}, {2, 1}} {
		if pos := alloc.splitBeforeReuse(test[0]); pos != test[1] {
			t.Errorf("splitBeforeReuse(%d) is %d, expected %d", test[0], pos, test[1])
		}
	}
	for pos, expected := range map[int]bool{5: false, 6: false, 7: true, 9: true, 11: false, 13: true} {
		if alloc.isCallOutputPos(pos) != expected {
			t.Errorf("isCallOutputPos(%d) is %v", pos, !expected)
		}
	}
}

// 'a' gets R0 until the call writes 'r' there.  The move out of R0 has
// to come before the call, not in the gap after it.

func TestSplitBeforeCallOutput(t *testing.T) {
	alloc := allocate(t, `
(method clobber
  (vars (r (fixed R0)))
  (test (in 3 4) (out 16))
  (block entry
    (arg (out b))
    (arg (out a))
    (call square (out r) (in b))
    (add (out c) (in r) (in a))
    (add (out d) (in c) (in b))
    (return (in d))))`, testTarget(2))
	method := alloc.Method()
	first := alloc.VarInterval(varIndex(t, method, "a"))
	if first.Location != lir.RegisterLocation(0) || first.To() != 5 {
		t.Errorf("a starts as %s:\n%s", first, alloc.DumpIntervals())
	}
	afterCall := false
	for _, instr := range method.Blocks[0].Instructions {
		switch {
		case instr.Op == "call":
			afterCall = true
		case instr.Op == "add":
			afterCall = false
		case afterCall && instr.Inserted != lir.NotInserted && instr.Source == lir.RegisterLocation(0):
			t.Errorf("R0 read after the call:\n%s", alloc.FormatMethod())
		}
	}
	checkTests(t, alloc)
}

// A call in a loop whose input is live after the call, with more
// values than registers.

func TestCallInLoopUnderPressure(t *testing.T) {
	alloc := allocate(t, `
(method loopcall
  (test (in 2 3) (out 24))
  (test (in 1 0) (out 0))
  (block entry (next head)
    (arg (out n))
    (arg (out v))
    (const acc 0)
    (const w 1)
    (jump))
  (block head (next body exit)
    (branch (in n)))
  (block body (next head)
    (call square (out x) (in v))
    (add (out y) (in x) (in v))
    (add (out acc) (in acc) (in y))
    (add (out w) (in w) (in v))
    (const one 1)
    (sub (out n) (in n) (in one))
    (jump))
  (block exit
    (add (out z) (in acc) (in w))
    (sub (out z) (in z) (in w))
    (return (in z))))`, testTarget(3))
	for _, it := range alloc.Intervals() {
		if it.Var < 0 || it.IsParent() || it.IsEmpty() {
			continue
		}
		if alloc.isCallOutputPos(it.From()) && it.Location.IsRegister() {
			prev := alloc.ChildAt(alloc.VarInterval(it.Var), it.From()-1, false)
			if prev != nil && alloc.callWrites(it.From(), prev.Location) {
				t.Errorf("%s moved out of a register the call wrote", it)
			}
		}
	}
	checkTests(t, alloc)
}

// A call output defined while every other register is taken, and one
// of them holds an input of the same call.  Everything in the return
// may be on the stack.

func TestCallOutputUnderPressure(t *testing.T) {
	alloc := allocate(t, `
(method crowdedcall
  (test (in 2 3) (out 2 3 5 8 13 9 4))
  (block entry
    (arg (out v0))
    (arg (out v1))
    (add (out v2) (in v0) (in v1))
    (add (out v3) (in v1) (in v2))
    (add (out v4) (in v2) (in v3))
    (call square (out x2) (in v1))
    (const x3 4)
    (return (in v0 stack) (in v1 stack) (in v2 stack) (in v3 stack)
            (in v4 stack) (in x2 stack) (in x3 stack))))`, testTarget(5))
	x2 := alloc.VarInterval(varIndex(t, alloc.Method(), "x2"))
	if !x2.Location.IsRegister() {
		t.Errorf("x2 is in %s", x2.Location)
	}
	checkTests(t, alloc)
}

func TestPickRegister(t *testing.T) {
	if r := pickRegister([]int{4, 9, 9, 2}, -1); r != 1 {
		t.Errorf("picked %d, expected 1", r)
	}
	if r := pickRegister([]int{4, 9, 9, 2}, 2); r != 2 {
		t.Errorf("picked %d, expected the hint", r)
	}
	if r := pickRegister([]int{4, 9, 9, 2}, 0); r != 1 {
		t.Errorf("picked %d, expected 1 over the hint", r)
	}
	usePos := []int{8, 8, 6, 8}
	blockPos := []int{8, 8, maxPosition, maxPosition}
	if r := pickBlockedRegister(usePos, blockPos, -1); r != 3 {
		t.Errorf("picked %d, expected the unblocked register", r)
	}
	if r := pickBlockedRegister(usePos, blockPos, 0); r != 3 {
		t.Errorf("picked %d, expected the unblocked register over the hint", r)
	}
}

func TestOptimalSplitPos(t *testing.T) {
	alloc := allocate(t, sumMethod, testTarget(4))
	// Entirely within the body.
	if pos := alloc.optimalSplitPos(15, 21); pos != 21 {
		t.Errorf("split in one block at %d", pos)
	}
	// From the entry into the loop.
	if pos := alloc.optimalSplitPos(3, 17); pos != 14 {
		t.Errorf("split across blocks at %d, expected 14", pos)
	}
	// Across the whole loop.
	if pos := alloc.optimalSplitPos(3, 25); pos != 24 {
		t.Errorf("split across the loop at %d, expected 24", pos)
	}
}
