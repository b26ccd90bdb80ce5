// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Live intervals.
//
// An interval is a sorted list of half-open ranges [from, to) of
// positions over which a variable is live, plus the positions where
// it is used.  Intervals are built backwards, so ranges and uses are
// normally added at the front.
//
// When an interval is split the tail becomes a new interval, its
// 'child'.  All of the pieces of one variable form a chain through
// 'next' in order of position, starting from the 'parent'.  Intervals
// refer to each other by their index in the allocator's arena.

package alloc

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/s48/linscan/lir"
)

const maxPosition = math.MaxInt32

type PriorityT int

const (
	NoPriority PriorityT = iota
	LiveAtLoopEnd
	ShouldHaveRegister
	MustHaveRegister
)

var priorityNames = []string{"none", "loop-end", "should", "must"}

func (priority PriorityT) String() string {
	return priorityNames[priority]
}

type SpillStateT int

const (
	NoDefinitionFound SpillStateT = iota
	NoSpillStore
	OneSpillStore
	StoreAtDefinition
	StartInMemory
	SpillInDominator
	NoOptimization
)

var spillStateNames = []string{
	"NoDefinitionFound", "NoSpillStore", "OneSpillStore", "StoreAtDefinition",
	"StartInMemory", "SpillInDominator", "NoOptimization"}

func (state SpillStateT) String() string {
	return spillStateNames[state]
}

type walkStateT int

const (
	unhandled walkStateT = iota
	active
	inactive
	handled
)

type RangeT struct {
	From int
	To   int
}

type UseT struct {
	Pos      int
	Priority PriorityT
}

type IntervalT struct {
	Index    int // in the arena
	Var      int // variable, or -1 for register blocking intervals
	Register int // for blocking intervals, -1 otherwise
	Fixed    bool
	Location lir.LocationT

	ranges []RangeT
	uses   []UseT

	// These are only meaningful in the parent.
	SpillState         SpillStateT
	SpillDefinitionPos int
	HasConstant        bool
	Constant           int
	spillSlot          int // canonical stack slot, -1 if none yet

	Hint   int // interval whose location we'd like, -1 if none
	Parent int
	Next   int // next split child, -1 if none

	state walkStateT
}

func newInterval(index int, v int) *IntervalT {
	return &IntervalT{
		Index:              index,
		Var:                v,
		Register:           -1,
		SpillDefinitionPos: -1,
		spillSlot:          -1,
		Hint:               -1,
		Parent:             index,
		Next:               -1}
}

func (it *IntervalT) IsParent() bool {
	return it.Parent == it.Index
}

func (it *IntervalT) IsEmpty() bool {
	return len(it.ranges) == 0
}

func (it *IntervalT) From() int {
	return it.ranges[0].From
}

func (it *IntervalT) To() int {
	return it.ranges[len(it.ranges)-1].To
}

func (it *IntervalT) Ranges() []RangeT {
	return it.ranges
}

func (it *IntervalT) Uses() []UseT {
	return it.uses
}

func (it *IntervalT) String() string {
	var builder strings.Builder
	if it.Var < 0 {
		fmt.Fprintf(&builder, "i%d[reg %d]", it.Index, it.Register)
	} else {
		fmt.Fprintf(&builder, "i%d[v%d]", it.Index, it.Var)
	}
	for _, r := range it.ranges {
		fmt.Fprintf(&builder, " [%d,%d)", r.From, r.To)
	}
	if len(it.uses) != 0 {
		builder.WriteString(" uses")
		for _, use := range it.uses {
			fmt.Fprintf(&builder, " %d:%s", use.Pos, use.Priority)
		}
	}
	if it.Location.IsAssigned() {
		fmt.Fprintf(&builder, " @%s", it.Location)
	}
	return builder.String()
}

func malformed(it *IntervalT, pos int, format string, args ...any) *FatalError {
	return &FatalError{
		Message:     fmt.Sprintf(format, args...),
		Var:         it.Var,
		Instruction: pos}
}

//----------------------------------------------------------------
// Building.

// Ranges are added walking backwards, so a new range starts at or
// before the first one.  Overlapping or adjacent ranges are merged.

func (it *IntervalT) AddRange(from int, to int) error {
	if to <= from {
		if to == from {
			return nil
		}
		return malformed(it, from, "range [%d,%d) is backwards", from, to)
	}
	if len(it.ranges) == 0 {
		it.ranges = []RangeT{{from, to}}
		return nil
	}
	first := &it.ranges[0]
	switch {
	case to < first.From:
		it.ranges = slices.Insert(it.ranges, 0, RangeT{from, to})
	case from <= first.To:
		first.From = min(first.From, from)
		if first.To < to {
			first.To = to
			// Swallow any following ranges that now overlap.
			for 1 < len(it.ranges) && it.ranges[1].From <= first.To {
				first.To = max(first.To, it.ranges[1].To)
				it.ranges = slices.Delete(it.ranges, 1, 2)
			}
		}
	default:
		return malformed(it, from, "range [%d,%d) added after [%d,%d)",
			from, to, first.From, first.To)
	}
	return nil
}

// A definition at 'pos' cuts the first range back to start there.  A
// definition with no following use still gets a short range so that
// the value has somewhere to go.  One that ends where the next range
// starts is joined to it.

func (it *IntervalT) AddDefinition(pos int) {
	if len(it.ranges) == 0 || pos+1 < it.ranges[0].From {
		it.ranges = slices.Insert(it.ranges, 0, RangeT{pos, pos + 1})
		return
	}
	it.ranges[0].From = pos
}

// Uses are kept sorted.  Two uses at the same position merge into the
// stronger one.

func (it *IntervalT) AddUse(pos int, priority PriorityT) {
	i, found := slices.BinarySearchFunc(it.uses, pos, func(use UseT, pos int) int {
		return use.Pos - pos
	})
	if found {
		it.uses[i].Priority = max(it.uses[i].Priority, priority)
		return
	}
	it.uses = slices.Insert(it.uses, i, UseT{pos, priority})
}

// Ranges must be ascending and separated by holes, and uses must be
// strictly ascending.
func (it *IntervalT) Check() error {
	for i, r := range it.ranges {
		if r.To <= r.From {
			return malformed(it, r.From, "empty range [%d,%d)", r.From, r.To)
		}
		if 0 < i && r.From <= it.ranges[i-1].To {
			return malformed(it, r.From, "range [%d,%d) does not follow [%d,%d)",
				r.From, r.To, it.ranges[i-1].From, it.ranges[i-1].To)
		}
	}
	for i := 1; i < len(it.uses); i++ {
		if it.uses[i].Pos <= it.uses[i-1].Pos {
			return malformed(it, it.uses[i].Pos, "use at %d follows use at %d",
				it.uses[i].Pos, it.uses[i-1].Pos)
		}
	}
	return nil
}

//----------------------------------------------------------------
// Queries.

func (it *IntervalT) Covers(pos int) bool {
	for _, r := range it.ranges {
		if pos < r.From {
			return false
		}
		if pos < r.To {
			return true
		}
	}
	return false
}

// Inputs are read at the end of the range that leads up to them.
func (it *IntervalT) CoversInput(pos int) bool {
	for _, r := range it.ranges {
		if pos <= r.From {
			return false
		}
		if pos <= r.To {
			return true
		}
	}
	return false
}

// The position of the first use at or after 'pos' whose priority is
// at least 'priority', or maxPosition if there is none.
func (it *IntervalT) NextUse(pos int, priority PriorityT) int {
	for _, use := range it.uses {
		if pos <= use.Pos && priority <= use.Priority {
			return use.Pos
		}
	}
	return maxPosition
}

func (it *IntervalT) FirstUse(priority PriorityT) int {
	return it.NextUse(0, priority)
}

// The first position covered by both intervals, or maxPosition.
func (it *IntervalT) NextIntersection(other *IntervalT) int {
	i, j := 0, 0
	for i < len(it.ranges) && j < len(other.ranges) {
		x := it.ranges[i]
		y := other.ranges[j]
		switch {
		case x.To <= y.From:
			i += 1
		case y.To <= x.From:
			j += 1
		default:
			return max(x.From, y.From)
		}
	}
	return maxPosition
}

func (it *IntervalT) Intersects(other *IntervalT) bool {
	return it.NextIntersection(other) != maxPosition
}

//----------------------------------------------------------------
// Splitting.

// Cuts 'it' at 'pos'.  Everything at or after 'pos' goes to 'child',
// which has the same variable and no location.
func (it *IntervalT) splitInto(pos int, child *IntervalT) error {
	if it.IsEmpty() || pos <= it.From() || it.To() <= pos {
		return malformed(it, pos, "cannot split %s at %d", it, pos)
	}
	i := 0
	for it.ranges[i].To <= pos {
		i += 1
	}
	r := it.ranges[i]
	if r.From < pos {
		child.ranges = append([]RangeT{{pos, r.To}}, it.ranges[i+1:]...)
		it.ranges[i].To = pos
		it.ranges = it.ranges[:i+1]
	} else {
		child.ranges = append([]RangeT{}, it.ranges[i:]...)
		it.ranges = it.ranges[:i]
	}
	j, _ := slices.BinarySearchFunc(it.uses, pos, func(use UseT, pos int) int {
		return use.Pos - pos
	})
	child.uses = append([]UseT{}, it.uses[j:]...)
	it.uses = it.uses[:j]

	child.Var = it.Var
	child.Register = it.Register
	child.Parent = it.Parent
	child.Next = it.Next
	child.Hint = it.Parent
	it.Next = child.Index
	return nil
}
