// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Checking and adjusting the control-flow graph before allocation.

package lir

import (
	"fmt"

	"tlog.app/go/errors"

	"github.com/s48/linscan/util"
)

// Resolves pre-colored register names against 'target'.
func (method *MethodT) BindTarget(target *TargetT) error {
	for _, v := range method.Vars {
		if v.FixedName == "" {
			v.Fixed = -1
			continue
		}
		reg := target.RegisterNamed(v.FixedName)
		if reg < 0 {
			return errors.New("method %s: variable %s: target %s has no register %s",
				method.Name, v.Name, target.Name, v.FixedName)
		}
		if !target.Registers[reg].Allocatable {
			return errors.New("method %s: variable %s: register %s is reserved",
				method.Name, v.Name, v.FixedName)
		}
		v.Fixed = reg
	}
	return nil
}

func (method *MethodT) Validate() error {
	if len(method.Blocks) == 0 {
		return errors.New("method %s has no blocks", method.Name)
	}
	for i, block := range method.Blocks {
		if block.Index != i {
			return errors.New("method %s: block %s has index %d at position %d",
				method.Name, block.Name, block.Index, i)
		}
		if len(block.Instructions) == 0 {
			return errors.New("method %s: block %s is empty", method.Name, block.Name)
		}
		last := block.LastInstruction()
		switch {
		case len(block.Next) == 2 && last.Op != "branch",
			len(block.Next) == 1 && last.Op != "jump",
			2 < len(block.Next):
			return errors.New("method %s: block %s has %d successors but ends with %s",
				method.Name, block.Name, len(block.Next), last.Op)
		case len(block.Next) == 0 && last.Op != "return":
			return errors.New("method %s: block %s has no successors and does not return",
				method.Name, block.Name)
		}
		for j, instr := range block.Instructions {
			if j != len(block.Instructions)-1 && isBranch(instr) {
				return errors.New("method %s: block %s: %s in the middle of a block",
					method.Name, block.Name, instr.Op)
			}
			for _, operand := range instr.Operands {
				if operand.Var < 0 || len(method.Vars) <= operand.Var {
					return errors.New("method %s: block %s: operand %d out of range",
						method.Name, block.Name, operand.Var)
				}
			}
		}
	}
	return nil
}

func isBranch(instr *InstructionT) bool {
	switch instr.Op {
	case "jump", "branch", "return":
		return true
	}
	return false
}

// An edge from a block with several successors to a block with
// several predecessors has nowhere to put moves that only apply to
// that edge.  We add an empty block on each such edge.  Returns the
// number of blocks added.

func (method *MethodT) SplitCriticalEdges() int {
	added := 0
	for _, from := range method.Blocks {
		if len(from.Next) < 2 {
			continue
		}
		for i, to := range from.Next {
			if len(to.Previous) < 2 {
				continue
			}
			edge := &BlockT{
				Name:         fmt.Sprintf("%s_%s", from.Name, to.Name),
				Index:        len(method.Blocks),
				Instructions: []*InstructionT{&InstructionT{Op: "jump", Id: -1}},
				Next:         []*BlockT{to},
				Previous:     []*BlockT{from},
				Frequency:    edgeFrequency(from)}
			from.Next[i] = edge
			for j, prev := range to.Previous {
				if prev == from {
					to.Previous[j] = edge
					break
				}
			}
			util.Push(&method.Blocks, edge)
			added += 1
		}
	}
	return added
}

func edgeFrequency(from *BlockT) float64 {
	if from.Frequency == 0 {
		return 0
	}
	return from.Frequency / float64(len(from.Next))
}
