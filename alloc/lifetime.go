// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Lifetime analysis: number the instructions, find which variables
// are live where, and build an interval for every variable.
//
// Positions: each block gets an even position for its label followed
// by two positions per instruction.  Instruction ids are even and the
// odd positions between them are where split moves go.
//
//  label  instr   gap  instr   gap ...  next label
//  From   From+2  +3   From+4  +5       To
//
// Operand lifetimes relative to an instruction at 'id' in a block
// starting at 'from':
//   output  starts at id, or id+1 for calls, which clobber registers at id
//   temp    [id, id+1)
//   input   [from, id)
//   alive   [from, id+1)
//   state   [from, id+1) with no register requirement

package alloc

import (
	"fmt"
	"strings"

	"golang.org/x/tools/container/intsets"

	"github.com/s48/linscan/lir"
)

func (alloc *AllocatorT) buildLifetimes() error {
	if err := alloc.numberInstructions(); err != nil {
		return err
	}
	gen, kill := alloc.localLiveSets()
	if err := alloc.globalLiveSets(gen, kill); err != nil {
		return err
	}
	if err := alloc.checkEntryLiveIn(gen); err != nil {
		return err
	}
	if err := alloc.buildIntervals(); err != nil {
		return err
	}
	if alloc.tr.If("dump_intervals") {
		alloc.tr.Printw("intervals", "dump", alloc.DumpIntervals())
	}
	return nil
}

func (alloc *AllocatorT) numberInstructions() error {
	pos := 0
	for _, block := range alloc.order {
		block.From = pos
		alloc.instrAt = append(alloc.instrAt, nil)
		alloc.blockAt = append(alloc.blockAt, block)
		alloc.indexAt = append(alloc.indexAt, -1)
		pos += 2
		for i, instr := range block.Instructions {
			if instr.Inserted != lir.NotInserted {
				return alloc.fatal("method has already been allocated").at(-1, block.Name, instr.Id)
			}
			instr.Id = pos
			alloc.instrAt = append(alloc.instrAt, instr)
			alloc.blockAt = append(alloc.blockAt, block)
			alloc.indexAt = append(alloc.indexAt, i)
			pos += 2
		}
		block.To = pos
	}
	alloc.maxPos = pos
	return nil
}

//----------------------------------------------------------------
// Live sets.

// Variables used before being defined in each block, and variables
// defined in each block.  Both indexed by block index.

func (alloc *AllocatorT) localLiveSets() ([]*intsets.Sparse, []*intsets.Sparse) {
	count := len(alloc.method.Blocks)
	gen := make([]*intsets.Sparse, count)
	kill := make([]*intsets.Sparse, count)
	for _, block := range alloc.order {
		blockGen := &intsets.Sparse{}
		blockKill := &intsets.Sparse{}
		for _, instr := range block.Instructions {
			for _, operand := range instr.Operands {
				if operand.IsUse() && !blockKill.Has(operand.Var) {
					blockGen.Insert(operand.Var)
				}
			}
			for _, operand := range instr.Operands {
				if operand.IsDef() {
					blockKill.Insert(operand.Var)
				}
			}
		}
		gen[block.Index] = blockGen
		kill[block.Index] = blockKill
	}
	return gen, kill
}

// The usual backwards fixpoint.  Blocks are visited in reverse order
// so that most successors are done before their predecessors; only
// loops need more than one or two passes.

func (alloc *AllocatorT) globalLiveSets(gen []*intsets.Sparse, kill []*intsets.Sparse) error {
	count := len(alloc.method.Blocks)
	liveIn := make([]*intsets.Sparse, count)
	liveOut := make([]*intsets.Sparse, count)
	for _, block := range alloc.order {
		liveIn[block.Index] = &intsets.Sparse{}
		liveOut[block.Index] = &intsets.Sparse{}
	}
	var out, in intsets.Sparse
	for pass := 1; ; pass++ {
		if alloc.options.MaxDataflowPasses < pass {
			return alloc.bailout("unstable dataflow after %d passes", alloc.options.MaxDataflowPasses)
		}
		changed := false
		for i := len(alloc.order) - 1; 0 <= i; i-- {
			block := alloc.order[i]
			out.Clear()
			for _, next := range block.Next {
				out.UnionWith(liveIn[next.Index])
			}
			if !out.Equals(liveOut[block.Index]) {
				liveOut[block.Index].Copy(&out)
				changed = true
			}
			in.Difference(&out, kill[block.Index])
			in.UnionWith(gen[block.Index])
			if !in.Equals(liveIn[block.Index]) {
				liveIn[block.Index].Copy(&in)
				changed = true
			}
		}
		if !changed {
			alloc.stats.DataflowPasses = pass
			break
		}
	}
	alloc.liveIn = liveIn
	return nil
}

// Anything live on entry to the method is used before it is defined.

func (alloc *AllocatorT) checkEntryLiveIn(gen []*intsets.Sparse) error {
	entry := alloc.method.Blocks[0]
	live := alloc.liveIn[entry.Index]
	if live.IsEmpty() {
		return nil
	}
	var vars []int
	vars = live.AppendTo(vars)
	var builder strings.Builder
	for i, v := range vars {
		if i != 0 {
			builder.WriteString("; ")
		}
		fmt.Fprintf(&builder, "%s used before definition in", alloc.varName(v))
		for _, block := range alloc.order {
			if gen[block.Index].Has(v) {
				builder.WriteString(" " + block.Name)
			}
		}
	}
	return alloc.fatal("entry block live-in not empty: %s", builder.String()).
		at(vars[0], entry.Name, -1)
}

func (alloc *AllocatorT) liveOut(block *lir.BlockT) *intsets.Sparse {
	out := &intsets.Sparse{}
	for _, next := range block.Next {
		out.UnionWith(alloc.liveIn[next.Index])
	}
	return out
}

//----------------------------------------------------------------
// Intervals.

func usePriority(operand *lir.OperandT) PriorityT {
	switch {
	case operand.Role == lir.State:
		return NoPriority
	case operand.Flags&lir.StackOK != 0:
		return ShouldHaveRegister
	}
	return MustHaveRegister
}

func (alloc *AllocatorT) buildIntervals() error {
	vars := alloc.method.Vars
	for v := range vars {
		alloc.newInterval(v)
	}
	for r := range alloc.target.Registers {
		it := alloc.newInterval(-1)
		it.Register = r
		it.Fixed = true
		it.Location = lir.RegisterLocation(r)
		alloc.fixed = append(alloc.fixed, it)
	}
	for v, variable := range vars {
		if 0 <= variable.Fixed {
			it := alloc.intervals[v]
			it.Fixed = true
			it.Register = variable.Fixed
			it.Location = lir.RegisterLocation(variable.Fixed)
		}
	}

	definitions := make([]int, len(vars))
	constants := make([]bool, len(vars))
	callerSaved := alloc.target.CallerSaved()
	var live []int

	for i := len(alloc.order) - 1; 0 <= i; i-- {
		block := alloc.order[i]
		from, to := block.From, block.To
		live = alloc.liveOut(block).AppendTo(live[:0])
		for _, v := range live {
			it := alloc.intervals[v]
			if err := it.AddRange(from, to); err != nil {
				return err
			}
			if block.IsLoopEnd {
				it.AddUse(to-1, LiveAtLoopEnd)
			}
		}
		for j := len(block.Instructions) - 1; 0 <= j; j-- {
			instr := block.Instructions[j]
			id := instr.Id
			if instr.DestroysCallerSaved {
				for _, r := range callerSaved {
					if err := alloc.fixed[r].AddRange(id, id+1); err != nil {
						return err
					}
				}
			}
			for _, operand := range instr.Operands {
				if operand.Role != lir.Output {
					continue
				}
				it := alloc.intervals[operand.Var]
				def := id
				if instr.DestroysCallerSaved {
					def = id + 1
				}
				it.AddDefinition(def)
				it.AddUse(def, usePriority(operand))
				definitions[operand.Var] += 1
				it.SpillDefinitionPos = def
				if instr.Op == "const" {
					constants[operand.Var] = true
					it.Constant = instr.Constant
				}
			}
			for _, operand := range instr.Operands {
				if operand.Role != lir.Temp {
					continue
				}
				it := alloc.intervals[operand.Var]
				if err := it.AddRange(id, id+1); err != nil {
					return err
				}
				it.AddUse(id, usePriority(operand))
			}
			for _, operand := range instr.Operands {
				it := alloc.intervals[operand.Var]
				var err error
				switch operand.Role {
				case lir.Input:
					err = it.AddRange(from, id)
				case lir.Alive, lir.State:
					err = it.AddRange(from, id+1)
				default:
					continue
				}
				if err != nil {
					return err
				}
				it.AddUse(id, usePriority(operand))
			}
			if instr.IsMove() && len(instr.Operands) == 2 {
				dest := instr.Operands[0]
				source := instr.Operands[1]
				if dest.Role == lir.Output && source.Role == lir.Input {
					alloc.intervals[dest.Var].Hint = source.Var
					// Values moved into pre-colored variables want
					// to be in that register already.
					if alloc.intervals[dest.Var].Fixed && alloc.intervals[source.Var].Hint < 0 {
						alloc.intervals[source.Var].Hint = dest.Var
					}
				}
			}
		}
	}

	for v := range vars {
		it := alloc.intervals[v]
		if err := it.Check(); err != nil {
			return err
		}
		if it.IsEmpty() {
			continue
		}
		alloc.stats.Intervals += 1
		switch definitions[v] {
		case 0:
			it.SpillState = NoDefinitionFound
			it.SpillDefinitionPos = -1
		case 1:
			it.SpillState = NoSpillStore
			it.HasConstant = constants[v] && !hasUseWithPriority(it, ShouldHaveRegister)
		default:
			it.SpillState = NoOptimization
		}
	}
	return alloc.checkFixedIntervals()
}

func hasUseWithPriority(it *IntervalT, priority PriorityT) bool {
	for _, use := range it.uses {
		if use.Priority == priority {
			return true
		}
	}
	return false
}

// A pre-colored variable cannot be live where its register is
// clobbered, or where another pre-colored variable has the same
// register.

func (alloc *AllocatorT) checkFixedIntervals() error {
	byRegister := make([][]*IntervalT, len(alloc.target.Registers))
	for v := range alloc.method.Vars {
		it := alloc.intervals[v]
		if !it.Fixed || it.IsEmpty() {
			continue
		}
		others := byRegister[it.Register]
		if !alloc.fixed[it.Register].IsEmpty() {
			others = append([]*IntervalT{alloc.fixed[it.Register]}, others...)
		}
		for _, other := range others {
			if pos := it.NextIntersection(other); pos != maxPosition {
				what := "clobbered"
				if 0 <= other.Var {
					what = "also holds " + alloc.varName(other.Var)
				}
				return alloc.fatal("register %s for %s is %s",
					alloc.target.Registers[it.Register].Name, alloc.varName(v), what).
					at(v, alloc.blockOf(pos).Name, pos)
			}
		}
		byRegister[it.Register] = append(byRegister[it.Register], it)
	}
	return nil
}
