// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Low-level instructions over a control-flow graph.  Operands refer
// to virtual variables by number; register allocation fills in a
// location for each operand and inserts moves, spill stores and
// constant loads.

package lir

import (
	"fmt"
)

type MethodT struct {
	Name   string
	Blocks []*BlockT // Blocks[0] is the entry block
	Vars   []*VarT   // indexed by operand id
	Tests  []*TestCaseT
	Line   int // source line, if read from a file
}

type VarT struct {
	Name      string
	Fixed     int    // register the variable is pre-colored to, or -1
	FixedName string // register name from the source, resolved by BindTarget
}

type TestCaseT struct {
	Inputs  []int
	Outputs []int
}

type BlockT struct {
	Name         string
	Index        int // position in MethodT.Blocks
	Instructions []*InstructionT
	Next         []*BlockT
	Previous     []*BlockT
	Frequency    float64 // 0 if not given in the source

	// Filled in by the allocator's control-flow analysis.
	Dominator  *BlockT
	LoopHeader *BlockT // nil if not in a loop
	LoopParent *BlockT // only for loop headers
	LoopDepth  int
	IsLoopEnd  bool // has an edge back to a loop header
	Order      int  // index in the linear-scan order

	// First and last+1 positions, set when instructions are numbered.
	From int
	To   int
}

func (block *BlockT) String() string {
	return block.Name
}

// The block ends with an instruction that transfers control.
func (block *BlockT) EndsInBranch() bool {
	if len(block.Instructions) == 0 {
		return false
	}
	switch block.Instructions[len(block.Instructions)-1].Op {
	case "jump", "branch", "return":
		return true
	}
	return false
}

func (block *BlockT) LastInstruction() *InstructionT {
	return block.Instructions[len(block.Instructions)-1]
}

//----------------------------------------------------------------

type InsertedT int

const (
	NotInserted InsertedT = iota
	InsertedMove
	InsertedSpill // register to stack
	InsertedLoadConstant
)

type InstructionT struct {
	Op       string
	Operands []*OperandT
	Id       int

	Constant            int    // for 'const' and inserted constant loads
	Callee              string // for 'call'
	DestroysCallerSaved bool

	// Instructions inserted by the allocator have no operands,
	// just a source and destination.
	Inserted   InsertedT
	Source     LocationT
	Dest       LocationT
	Var        int  // the variable being moved
	SpillStore bool // a store into Var's canonical spill slot
}

func (instr *InstructionT) IsMove() bool {
	return instr.Op == "move" && instr.Inserted == NotInserted
}

func (instr *InstructionT) OperandsWithRole(role RoleT) []*OperandT {
	result := []*OperandT{}
	for _, operand := range instr.Operands {
		if operand.Role == role {
			result = append(result, operand)
		}
	}
	return result
}

//----------------------------------------------------------------

type RoleT int

const (
	Output RoleT = iota
	Temp
	Input
	Alive // input that must survive the instruction
	State // debug state, may be anywhere
)

var roleNames = []string{"out", "temp", "in", "alive", "state"}

func (role RoleT) String() string {
	return roleNames[role]
}

func ParseRole(name string) (RoleT, bool) {
	for i, roleName := range roleNames {
		if roleName == name {
			return RoleT(i), true
		}
	}
	return 0, false
}

type OperandFlagT uint8

const (
	StackOK OperandFlagT = 1 << iota // may be a stack slot
)

type OperandT struct {
	Role     RoleT
	Var      int
	Flags    OperandFlagT
	Location LocationT
}

func (operand *OperandT) IsUse() bool {
	return operand.Role == Input || operand.Role == Alive || operand.Role == State
}

func (operand *OperandT) IsDef() bool {
	return operand.Role == Output || operand.Role == Temp
}

//----------------------------------------------------------------

type LocationKindT uint8

const (
	Unassigned LocationKindT = iota
	Register
	StackSlot
	Constant // rematerialized, no storage
)

type LocationT struct {
	Kind     LocationKindT
	Register int
	Slot     int
	Constant int
}

func RegisterLocation(reg int) LocationT {
	return LocationT{Kind: Register, Register: reg}
}

func StackLocation(slot int) LocationT {
	return LocationT{Kind: StackSlot, Slot: slot}
}

func ConstantLocation(value int) LocationT {
	return LocationT{Kind: Constant, Constant: value}
}

func (loc LocationT) IsRegister() bool { return loc.Kind == Register }
func (loc LocationT) IsStack() bool    { return loc.Kind == StackSlot }
func (loc LocationT) IsAssigned() bool { return loc.Kind != Unassigned }

func (loc LocationT) String() string {
	switch loc.Kind {
	case Register:
		return fmt.Sprintf("r%d", loc.Register)
	case StackSlot:
		return fmt.Sprintf("s%d", loc.Slot)
	case Constant:
		return fmt.Sprintf("#%d", loc.Constant)
	}
	return "-"
}

// Same as String() but with the target's register names.
func (loc LocationT) Format(target *TargetT) string {
	if loc.Kind == Register && target != nil {
		return target.Registers[loc.Register].Name
	}
	return loc.String()
}
