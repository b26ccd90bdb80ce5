// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// The linear scan itself.
//
// Intervals are processed in order of their start positions.  At
// each step the intervals that have already been given registers are
// either active (live at the current position) or inactive (in a
// lifetime hole).  The current interval gets a register that is free
// for as long as possible.  If no register is free long enough, the
// register whose holders are next needed furthest in the future is
// taken from them, or the current interval is spilled if it is the
// one whose register use is furthest away.
//
// Intervals that are split put their tails back in the unhandled
// queue.  Blocking intervals for registers clobbered by calls and the
// intervals of pre-colored variables are never split.

package alloc

import (
	"tlog.app/go/tlog"

	"github.com/s48/linscan/lir"
	"github.com/s48/linscan/util"
)

type walkerT struct {
	alloc     *AllocatorT
	unhandled *util.PriorityQueueT[*IntervalT]

	active        []*IntervalT
	inactive      []*IntervalT
	fixedActive   []*IntervalT
	fixedInactive []*IntervalT

	allocatable []bool
	freeUntil   []int
	usePos      []int
	blockPos    []int

	position int
	tr       tlog.Span
}

func (alloc *AllocatorT) walk() error {
	count := alloc.target.RegisterCount()
	w := &walkerT{
		alloc: alloc,
		unhandled: util.MakePriorityQueue(func(x, y *IntervalT) bool {
			if x.From() != y.From() {
				return x.From() < y.From()
			}
			return x.Index < y.Index
		}),
		allocatable: make([]bool, count),
		freeUntil:   make([]int, count),
		usePos:      make([]int, count),
		blockPos:    make([]int, count),
		tr:          alloc.tr.V("walker")}
	for _, r := range alloc.target.Allocatable() {
		w.allocatable[r] = true
	}
	for _, it := range alloc.intervals {
		if it.IsEmpty() {
			continue
		}
		if it.Fixed {
			it.state = inactive
			w.fixedInactive = append(w.fixedInactive, it)
		} else {
			it.state = unhandled
			w.unhandled.Enqueue(it)
		}
	}
	for !w.unhandled.Empty() {
		current := w.unhandled.Dequeue()
		w.position = current.From()
		w.advance()
		if w.tr.Logger != nil {
			w.tr.Printw("walk", "pos", w.position, "interval", current.String())
		}
		if err := w.allocate(current); err != nil {
			return err
		}
		if current.Location.IsRegister() {
			current.state = active
			w.active = append(w.active, current)
		} else {
			current.state = handled
		}
	}
	alloc.tr.Printw("walk", "intervals", len(alloc.intervals), "splits", alloc.stats.Splits,
		"slots", alloc.slotCount)
	return nil
}

// Move intervals between the active, inactive and handled states
// for the current position.

func (w *walkerT) advance() {
	w.active, w.inactive = advanceLists(w.position, w.active, w.inactive)
	w.fixedActive, w.fixedInactive = advanceLists(w.position, w.fixedActive, w.fixedInactive)
}

func advanceLists(pos int, activeList []*IntervalT, inactiveList []*IntervalT) ([]*IntervalT, []*IntervalT) {
	var stillActive, stillInactive []*IntervalT
	for _, it := range activeList {
		switch {
		case it.To() <= pos:
			it.state = handled
		case it.Covers(pos):
			stillActive = append(stillActive, it)
		default:
			it.state = inactive
			stillInactive = append(stillInactive, it)
		}
	}
	for _, it := range inactiveList {
		switch {
		case it.To() <= pos:
			it.state = handled
		case it.Covers(pos):
			it.state = active
			stillActive = append(stillActive, it)
		default:
			stillInactive = append(stillInactive, it)
		}
	}
	return stillActive, stillInactive
}

func (w *walkerT) allocate(current *IntervalT) error {
	ok, err := w.tryAllocateFree(current)
	if err != nil || ok {
		return err
	}
	return w.allocateBlocked(current)
}

// The register we would like 'current' to have, or -1.

func (w *walkerT) hintRegister(current *IntervalT) int {
	if current.Hint < 0 {
		return -1
	}
	hint := w.alloc.intervals[current.Hint]
	if hint.Fixed {
		return hint.Location.Register
	}
	child := w.alloc.ChildAt(hint, current.From(), true)
	if child == nil || !child.Location.IsRegister() {
		return -1
	}
	return child.Location.Register
}

// The register with the highest value in 'until', preferring 'hint'
// and then lower numbers.

func pickRegister(until []int, hint int) int {
	best := 0
	for r := 1; r < len(until); r++ {
		if until[best] < until[r] {
			best = r
		}
	}
	if 0 <= hint && until[hint] == until[best] {
		return hint
	}
	return best
}

// Splits go in the odd gap before an instruction, so that the moves
// happen before anything at 'pos' reads its inputs.
func splitBefore(pos int) int {
	if pos%2 == 0 {
		return pos - 1
	}
	return pos
}

// Where to split an interval whose register is taken by another one
// at 'pos'.  Call outputs are defined in the gap after the call, and a
// move there would come after the call has already written the
// register, so the split goes in the gap before the call.
func (alloc *AllocatorT) splitBeforeReuse(pos int) int {
	if alloc.isCallOutputPos(pos) {
		return pos - 2
	}
	return splitBefore(pos)
}

// 'pos' is the gap where a call defines its outputs.
func (alloc *AllocatorT) isCallOutputPos(pos int) bool {
	if pos%2 == 0 {
		return false
	}
	instr := alloc.instructionAt(pos - 1)
	return instr != nil && instr.DestroysCallerSaved
}

// Whether the call before gap 'pos' puts one of its outputs in 'loc'.
func (alloc *AllocatorT) callWrites(pos int, loc lir.LocationT) bool {
	if !loc.IsRegister() || !alloc.isCallOutputPos(pos) {
		return false
	}
	for _, operand := range alloc.instructionAt(pos - 1).Operands {
		if operand.Role != lir.Output {
			continue
		}
		it := alloc.ChildAt(alloc.intervals[operand.Var], pos, false)
		if it != nil && it.Location == loc {
			return true
		}
	}
	return false
}

//----------------------------------------------------------------
// A free register.

func (w *walkerT) tryAllocateFree(current *IntervalT) (bool, error) {
	for r := range w.freeUntil {
		if w.allocatable[r] {
			w.freeUntil[r] = maxPosition
		} else {
			w.freeUntil[r] = 0
		}
	}
	for _, it := range w.active {
		w.freeUntil[it.Location.Register] = 0
	}
	for _, it := range w.fixedActive {
		w.freeUntil[it.Location.Register] = 0
	}
	for _, list := range [][]*IntervalT{w.inactive, w.fixedInactive} {
		for _, it := range list {
			r := it.Location.Register
			if w.freeUntil[r] == 0 {
				continue
			}
			w.freeUntil[r] = min(w.freeUntil[r], it.NextIntersection(current))
		}
	}

	reg := pickRegister(w.freeUntil, w.hintRegister(current))
	free := w.freeUntil[reg]
	from := current.From()
	mustUse := current.NextUse(from, MustHaveRegister)
	if free < current.To() &&
		(free <= from+1 || w.alloc.splitBeforeReuse(free) <= from ||
			(mustUse != maxPosition && free <= mustUse)) {
		return false, nil
	}
	current.Location = lir.RegisterLocation(reg)
	if free < current.To() {
		tail, err := w.alloc.split(current, w.alloc.splitBeforeReuse(free))
		if err != nil {
			return false, err
		}
		w.unhandled.Enqueue(tail)
	}
	return true, nil
}

//----------------------------------------------------------------
// No register is free for long enough.  Either spill 'current'
// until it needs a register or take one away from other intervals.

func (w *walkerT) allocateBlocked(current *IntervalT) error {
	from := current.From()
	evictAt := w.position
	if current.IsParent() && w.alloc.isCallOutputPos(from) {
		// A call writes its outputs after it has read its inputs, so
		// anything that gives up its register has to be gone before
		// the call.
		evictAt = from - 1
	}
	for r := range w.usePos {
		if w.allocatable[r] {
			w.usePos[r] = maxPosition
			w.blockPos[r] = maxPosition
		} else {
			w.usePos[r] = 0
			w.blockPos[r] = 0
		}
	}
	for _, it := range w.active {
		r := it.Location.Register
		if !w.evictable(it, evictAt) {
			w.usePos[r] = 0
			w.blockPos[r] = 0
			continue
		}
		w.usePos[r] = min(w.usePos[r], it.NextUse(evictAt, LiveAtLoopEnd))
	}
	for _, it := range w.inactive {
		if it.Intersects(current) {
			r := it.Location.Register
			w.usePos[r] = min(w.usePos[r], it.NextUse(evictAt, LiveAtLoopEnd))
		}
	}
	for _, it := range w.fixedActive {
		r := it.Location.Register
		w.usePos[r] = 0
		w.blockPos[r] = 0
	}
	for _, it := range w.fixedInactive {
		pos := it.NextIntersection(current)
		if pos != maxPosition {
			r := it.Location.Register
			w.blockPos[r] = min(w.blockPos[r], pos)
			w.usePos[r] = min(w.usePos[r], pos)
		}
	}

	reg := pickBlockedRegister(w.usePos, w.blockPos, w.hintRegister(current))
	firstMust := current.NextUse(from, MustHaveRegister)
	if w.usePos[reg] < firstMust {
		// Everything else is needed sooner than 'current' is.
		return w.spillUntil(current, firstMust)
	}
	blockPos := w.blockPos[reg]
	if blockPos < current.To() && (blockPos <= from+1 || w.alloc.splitBeforeReuse(blockPos) <= from) {
		return w.alloc.bailout("excessive register pressure at %d", from)
	}
	current.Location = lir.RegisterLocation(reg)
	if blockPos < current.To() {
		tail, err := w.alloc.split(current, w.alloc.splitBeforeReuse(blockPos))
		if err != nil {
			return err
		}
		w.unhandled.Enqueue(tail)
	}
	return w.splitAndSpillIntersecting(current, reg, evictAt)
}

// Whether active interval 'it' can give up its register at 'pos'.  The
// part from the split on is spilled until its next required register
// use, and that use has to leave room for another split.  An interval
// that was just defined and needs a register for its definition can't
// be moved anywhere.

func (w *walkerT) evictable(it *IntervalT, pos int) bool {
	tailFrom := max(it.From(), splitBefore(pos))
	must := it.NextUse(tailFrom, MustHaveRegister)
	return must == maxPosition || tailFrom < splitBefore(must)
}

// Like pickRegister, with ties in 'usePos' going to the register that
// stays unblocked longest.

func pickBlockedRegister(usePos []int, blockPos []int, hint int) int {
	best := 0
	for r := 1; r < len(usePos); r++ {
		if usePos[best] < usePos[r] ||
			(usePos[best] == usePos[r] && blockPos[best] < blockPos[r]) {
			best = r
		}
	}
	if 0 <= hint && usePos[hint] == usePos[best] && blockPos[hint] == blockPos[best] {
		return hint
	}
	return best
}

// Spill 'it' up to position 'must', where it next needs a register.
// The part from there on goes back into the queue.

func (w *walkerT) spillUntil(it *IntervalT, must int) error {
	if must != maxPosition {
		maxSplit := splitBefore(must)
		if maxSplit <= it.From() {
			return w.alloc.bailout("excessive register pressure at %d", w.position)
		}
		tail, err := w.alloc.split(it, w.alloc.optimalSplitPos(it.From()+1, maxSplit))
		if err != nil {
			return err
		}
		w.unhandled.Enqueue(tail)
	}
	w.alloc.spill(it)
	return nil
}

// 'current' now has 'reg'.  Any other interval using 'reg' where
// 'current' does is cut before 'pos' and the rest spilled.

func (w *walkerT) splitAndSpillIntersecting(current *IntervalT, reg int, pos int) error {
	var keep []*IntervalT
	for _, it := range w.active {
		if it.Location.Register != reg {
			keep = append(keep, it)
			continue
		}
		it.state = handled
		spilled := it
		splitPos := splitBefore(pos)
		if it.From() < splitPos {
			tail, err := w.alloc.split(it, splitPos)
			if err != nil {
				return err
			}
			spilled = tail
		}
		if w.tr.Logger != nil {
			w.tr.Printw("evict", "pos", pos, "victim", spilled.String())
		}
		spilled.Location = lir.LocationT{}
		must := spilled.NextUse(spilled.From(), MustHaveRegister)
		if err := w.spillUntil(spilled, must); err != nil {
			return err
		}
	}
	w.active = keep

	keep = nil
	for _, it := range w.inactive {
		if it.Location.Register != reg || !it.Intersects(current) {
			keep = append(keep, it)
			continue
		}
		// 'it' is in a hole at 'pos'; the part after the hole gets
		// another chance at a register.
		it.state = handled
		next := it.nextRangeStart(pos)
		tail, err := w.alloc.split(it, next)
		if err != nil {
			return err
		}
		w.unhandled.Enqueue(tail)
	}
	w.inactive = keep
	return nil
}

// The start of the first range after 'pos'.
func (it *IntervalT) nextRangeStart(pos int) int {
	for _, r := range it.ranges {
		if pos < r.From {
			return r.From
		}
	}
	return maxPosition
}

//----------------------------------------------------------------

// Where to split an interval somewhere in [min, max].  Moves at block
// boundaries are free if the edge needs resolving anyway, so when the
// range covers more than one block we split at the start of the
// block that is least deeply nested in loops.

func (alloc *AllocatorT) optimalSplitPos(minPos int, maxPos int) int {
	minBlock := alloc.blockOf(minPos)
	maxBlock := alloc.blockOf(maxPos)
	if minBlock == maxBlock {
		return maxPos
	}
	best := maxBlock
	for i := maxBlock.Order - 1; minBlock.Order < i; i-- {
		block := alloc.order[i]
		if block.LoopDepth < best.LoopDepth {
			best = block
		}
	}
	return best.From
}

// Puts 'it' on the stack, or nowhere if it is a constant.

func (alloc *AllocatorT) spill(it *IntervalT) {
	parent := alloc.parent(it)
	if parent.HasConstant {
		it.Location = lir.ConstantLocation(parent.Constant)
		return
	}
	it.Location = lir.StackLocation(alloc.spillSlot(it))
	if it == parent && it.From() == parent.SpillDefinitionPos &&
		(parent.SpillState == NoSpillStore || parent.SpillState == OneSpillStore) {
		parent.SpillState = StartInMemory
		return
	}
	alloc.changeSpillState(parent, it.From())
}

// Decides whether the value should be stored when it is defined, or
// at a dominator of the spilled pieces, rather than each time it is
// spilled.

func (alloc *AllocatorT) changeSpillState(parent *IntervalT, spillPos int) {
	if parent.SpillDefinitionPos < 0 {
		return
	}
	defDepth := alloc.blockOf(parent.SpillDefinitionPos).LoopDepth
	spillDepth := alloc.blockOf(spillPos).LoopDepth
	moveOut := StoreAtDefinition
	if alloc.options.OptimizeSpillPosition {
		moveOut = SpillInDominator
	}
	switch parent.SpillState {
	case NoSpillStore:
		if defDepth < spillDepth {
			parent.SpillState = moveOut
		} else {
			parent.SpillState = OneSpillStore
		}
	case OneSpillStore:
		if defDepth <= spillDepth {
			parent.SpillState = moveOut
		}
	}
}
