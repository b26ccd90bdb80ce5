// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Linear-scan register allocation.
//
// The phases, in order:
//   control flow   dominators, loops, block order
//   lifetimes      instruction numbering, live sets, intervals
//   walk           assign registers and stack slots, splitting intervals
//   spill position move spill stores out of loops
//   locations      copy the final locations into the operands
//   resolve        moves at split points and block edges, spill stores
//   verify         optional replay of the result
//
// An AllocatorT holds everything for one method and nothing is shared
// between allocators, so different methods can be allocated
// concurrently.

package alloc

import (
	"context"

	"golang.org/x/tools/container/intsets"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/s48/linscan/lir"
)

type OptionsT struct {
	Verify                bool // run the verifier after allocation
	OptimizeSpillPosition bool // allow moving spill stores out of loops
	MaxDataflowPasses     int  // more than this many passes is a bailout
}

func DefaultOptions() OptionsT {
	return OptionsT{
		OptimizeSpillPosition: true,
		MaxDataflowPasses:     50}
}

type StatsT struct {
	Blocks           int
	Intervals        int // variables that have intervals
	Splits           int
	SpillSlots       int
	Moves            int // register and stack moves inserted
	SpillStores      int
	ConstantLoads    int
	EliminatedStores int
	DataflowPasses   int
}

type AllocatorT struct {
	method  *lir.MethodT
	target  *lir.TargetT
	options OptionsT
	tr      tlog.Span

	order []*lir.BlockT // linear-scan order

	// Indexed by position/2.  Block labels have no instruction.
	instrAt []*lir.InstructionT
	blockAt []*lir.BlockT
	indexAt []int // index of the instruction within its block
	maxPos  int

	// The first len(method.Vars) intervals are the parents of the
	// variables, followed by one blocking interval per register.  Split
	// children come after those.
	intervals []*IntervalT
	fixed     []*IntervalT // blocking intervals, by register

	liveIn []*intsets.Sparse // by block index

	slotCount  int
	insertions []*insertionT
	stats      StatsT
}

func NewAllocator(method *lir.MethodT, target *lir.TargetT, options OptionsT) *AllocatorT {
	if options.MaxDataflowPasses == 0 {
		options.MaxDataflowPasses = DefaultOptions().MaxDataflowPasses
	}
	return &AllocatorT{method: method, target: target, options: options}
}

// Allocates registers for 'method' in place.  On success every
// operand has a location and the inserted moves are in the blocks.
// The returned allocator can be used to look at the intervals, even
// when there is an error.

func Allocate(ctx context.Context, method *lir.MethodT, target *lir.TargetT, options OptionsT) (alloc *AllocatorT, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "regalloc", "method", method.Name, "target", target.Name)
	defer tr.Finish("err", &err)

	alloc = NewAllocator(method, target, options)
	alloc.tr = tr
	err = alloc.Run(ctx)
	return alloc, err
}

func (alloc *AllocatorT) Run(ctx context.Context) error {
	if alloc.tr.Logger == nil {
		alloc.tr = tlog.SpanFromContext(ctx)
	}
	phases := []struct {
		name string
		run  func() error
	}{
		{"control flow", alloc.analyzeControlFlow},
		{"lifetimes", alloc.buildLifetimes},
		{"walk", alloc.walk},
		{"spill position", alloc.optimizeSpillPositions},
		{"locations", alloc.assignLocations},
		{"resolve", alloc.resolve},
		{"verify", alloc.verifyIfEnabled},
	}
	for _, phase := range phases {
		if err := phase.run(); err != nil {
			alloc.tagError(err)
			return errors.Wrap(err, "phase %v", phase.name)
		}
	}
	alloc.stats.Blocks = len(alloc.order)
	alloc.tr.Printw("allocated", "stats", alloc.stats)
	return nil
}

func (alloc *AllocatorT) tagError(err error) {
	var fatal *FatalError
	if errors.As(err, &fatal) && fatal.Method == "" {
		fatal.Method = alloc.methodName()
	}
}

func (alloc *AllocatorT) verifyIfEnabled() error {
	if !alloc.options.Verify {
		return nil
	}
	return alloc.Verify()
}

func (alloc *AllocatorT) Method() *lir.MethodT { return alloc.method }
func (alloc *AllocatorT) Target() *lir.TargetT { return alloc.target }
func (alloc *AllocatorT) Stats() StatsT        { return alloc.stats }
func (alloc *AllocatorT) Order() []*lir.BlockT { return alloc.order }

// Every interval, parents and split children.
func (alloc *AllocatorT) Intervals() []*IntervalT {
	return alloc.intervals
}

// The parent interval of variable 'v'.
func (alloc *AllocatorT) VarInterval(v int) *IntervalT {
	return alloc.intervals[v]
}

// The split children of the interval for 'v', starting with the
// parent.
func (alloc *AllocatorT) Children(v int) []*IntervalT {
	result := []*IntervalT{}
	for it := alloc.intervals[v]; it != nil; it = alloc.next(it) {
		result = append(result, it)
	}
	return result
}

func (alloc *AllocatorT) next(it *IntervalT) *IntervalT {
	if it.Next < 0 {
		return nil
	}
	return alloc.intervals[it.Next]
}

func (alloc *AllocatorT) parent(it *IntervalT) *IntervalT {
	return alloc.intervals[it.Parent]
}

// The piece of 'parent' live at 'pos', or nil.  Inputs are looked up
// with CoversInput because they are read at the end of the range
// leading up to them.
func (alloc *AllocatorT) ChildAt(parent *IntervalT, pos int, input bool) *IntervalT {
	for it := parent; it != nil; it = alloc.next(it) {
		if it.IsEmpty() {
			continue
		}
		if input {
			if it.CoversInput(pos) {
				return it
			}
		} else if it.Covers(pos) {
			return it
		}
	}
	return nil
}

func (alloc *AllocatorT) newInterval(v int) *IntervalT {
	it := newInterval(len(alloc.intervals), v)
	alloc.intervals = append(alloc.intervals, it)
	return it
}

// Splits 'it' at 'pos' and returns the new tail.
func (alloc *AllocatorT) split(it *IntervalT, pos int) (*IntervalT, error) {
	child := alloc.newInterval(it.Var)
	if err := it.splitInto(pos, child); err != nil {
		alloc.intervals = alloc.intervals[:len(alloc.intervals)-1]
		return nil, err
	}
	alloc.stats.Splits += 1
	return child, nil
}

// Each variable gets at most one stack slot, shared by all of its
// pieces.
func (alloc *AllocatorT) spillSlot(it *IntervalT) int {
	parent := alloc.parent(it)
	if parent.spillSlot < 0 {
		parent.spillSlot = alloc.slotCount
		alloc.slotCount += 1
		alloc.stats.SpillSlots += 1
	}
	return parent.spillSlot
}

//----------------------------------------------------------------
// Positions.

func (alloc *AllocatorT) blockOf(pos int) *lir.BlockT {
	return alloc.blockAt[pos/2]
}

// Nil for block labels and positions past the end.
func (alloc *AllocatorT) instructionAt(pos int) *lir.InstructionT {
	if pos < 0 || len(alloc.instrAt) <= pos/2 {
		return nil
	}
	return alloc.instrAt[pos/2]
}

func (alloc *AllocatorT) varName(v int) string {
	if 0 <= v && v < len(alloc.method.Vars) {
		return alloc.method.Vars[v].Name
	}
	return "?"
}
