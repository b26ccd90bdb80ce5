// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Run methods as programs for testing.
//
// Values can either be associated with variables or, after register
// allocation, with the registers and stack slots the variables were
// assigned to.  Comparing the two runs checks the allocation.  When
// running with locations, calls trash the caller-saved registers and
// temps are trashed at their instruction, so a value that is
// expected to survive those has to be somewhere safe.

package lir

import (
	"tlog.app/go/errors"
)

// Functions available to 'call'.
var builtins = map[string]func(args []int) []int{
	"id": func(args []int) []int { return args },
	"square": func(args []int) []int {
		return []int{args[0] * args[0]}
	},
	"add3": func(args []int) []int {
		return []int{args[0] + args[1] + args[2]}
	},
}

const maxSteps = 1000000

func Evaluate(method *MethodT, args []int) ([]int, error) {
	return evaluate(method, args, &varEnvT{values: make([]valueT, len(method.Vars))})
}

func EvaluateAllocated(method *MethodT, target *TargetT, args []int) ([]int, error) {
	return evaluate(method, args, &locationEnvT{
		target:    target,
		registers: make([]valueT, target.RegisterCount()),
		slots:     map[int]valueT{}})
}

type valueT struct {
	value int
	valid bool
}

type envT interface {
	get(operand *OperandT) (valueT, error)
	set(operand *OperandT, value valueT)
	inserted(instr *InstructionT) error
	clobber(instr *InstructionT)
}

func evaluate(method *MethodT, args []int, env envT) ([]int, error) {
	block := method.Blocks[0]
	nextArg := 0
	steps := 0
	for {
		var next *BlockT
		for _, instr := range block.Instructions {
			steps += 1
			if maxSteps < steps {
				return nil, errors.New("%s: no return after %d steps", method.Name, maxSteps)
			}
			if instr.Inserted != NotInserted {
				if err := env.inserted(instr); err != nil {
					return nil, errors.Wrap(err, "%s: block %s", method.Name, block.Name)
				}
				continue
			}
			inputs := []int{}
			for _, operand := range instr.Operands {
				if !operand.IsUse() {
					continue
				}
				value, err := env.get(operand)
				if err != nil {
					return nil, errors.Wrap(err, "%s: block %s: %d %s",
						method.Name, block.Name, instr.Id, instr.Op)
				}
				if !value.valid {
					return nil, errors.New("%s: block %s: %d %s reads %s which has no value",
						method.Name, block.Name, instr.Id, instr.Op, method.Vars[operand.Var].Name)
				}
				if operand.Role != State {
					inputs = append(inputs, value.value)
				}
			}
			env.clobber(instr)
			var results []int
			switch instr.Op {
			case "return":
				return inputs, nil
			case "jump":
				next = block.Next[0]
			case "branch":
				if len(inputs) != 1 {
					return nil, errors.New("%s: branch needs one input", method.Name)
				}
				if inputs[0] != 0 {
					next = block.Next[0]
				} else {
					next = block.Next[1]
				}
			case "const":
				results = []int{instr.Constant}
			case "arg":
				if len(args) <= nextArg {
					return nil, errors.New("%s: not enough arguments", method.Name)
				}
				results = []int{args[nextArg]}
				nextArg += 1
			case "call":
				fun := builtins[instr.Callee]
				if fun == nil {
					return nil, errors.New("%s: unknown callee %s", method.Name, instr.Callee)
				}
				results = fun(inputs)
			default:
				var err error
				results, err = evalOp(instr.Op, inputs)
				if err != nil {
					return nil, errors.Wrap(err, "%s: block %s: %d", method.Name, block.Name, instr.Id)
				}
			}
			outputs := instr.OperandsWithRole(Output)
			if len(results) < len(outputs) {
				return nil, errors.New("%s: %s produced %d results for %d outputs",
					method.Name, instr.Op, len(results), len(outputs))
			}
			for i, operand := range outputs {
				env.set(operand, valueT{results[i], true})
			}
		}
		if next == nil {
			return nil, errors.New("%s: block %s falls off its end", method.Name, block.Name)
		}
		block = next
	}
}

func evalOp(op string, inputs []int) ([]int, error) {
	binary := func(f func(x, y int) int) ([]int, error) {
		if len(inputs) != 2 {
			return nil, errors.New("%s needs two inputs, got %d", op, len(inputs))
		}
		return []int{f(inputs[0], inputs[1])}, nil
	}
	boolInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	switch op {
	case "move":
		if len(inputs) != 1 {
			return nil, errors.New("move needs one input")
		}
		return inputs, nil
	case "use", "nop":
		return nil, nil
	case "add":
		return binary(func(x, y int) int { return x + y })
	case "sub":
		return binary(func(x, y int) int { return x - y })
	case "mul":
		return binary(func(x, y int) int { return x * y })
	case "and":
		return binary(func(x, y int) int { return x & y })
	case "or":
		return binary(func(x, y int) int { return x | y })
	case "lt":
		return binary(func(x, y int) int { return boolInt(x < y) })
	case "eq":
		return binary(func(x, y int) int { return boolInt(x == y) })
	case "neg":
		if len(inputs) != 1 {
			return nil, errors.New("neg needs one input")
		}
		return []int{-inputs[0]}, nil
	}
	return nil, errors.New("unknown operation %s", op)
}

//----------------------------------------------------------------
// Values for variables.

type varEnvT struct {
	values []valueT
}

func (env *varEnvT) get(operand *OperandT) (valueT, error) {
	return env.values[operand.Var], nil
}

func (env *varEnvT) set(operand *OperandT, value valueT) {
	env.values[operand.Var] = value
}

// Inserted instructions are only meaningful for locations.
func (env *varEnvT) inserted(instr *InstructionT) error {
	return nil
}

func (env *varEnvT) clobber(instr *InstructionT) {
	for _, operand := range instr.OperandsWithRole(Temp) {
		env.values[operand.Var] = valueT{}
	}
}

//----------------------------------------------------------------
// Values for registers and stack slots.

type locationEnvT struct {
	target    *TargetT
	registers []valueT
	slots     map[int]valueT
}

func (env *locationEnvT) read(loc LocationT) (valueT, error) {
	switch loc.Kind {
	case Register:
		return env.registers[loc.Register], nil
	case StackSlot:
		return env.slots[loc.Slot], nil
	case Constant:
		return valueT{loc.Constant, true}, nil
	}
	return valueT{}, errors.New("read from unassigned location")
}

func (env *locationEnvT) write(loc LocationT, value valueT) {
	switch loc.Kind {
	case Register:
		env.registers[loc.Register] = value
	case StackSlot:
		env.slots[loc.Slot] = value
	}
	// Writes to constant locations are dropped; the value is
	// rematerialized where it is needed.
}

func (env *locationEnvT) get(operand *OperandT) (valueT, error) {
	return env.read(operand.Location)
}

func (env *locationEnvT) set(operand *OperandT, value valueT) {
	env.write(operand.Location, value)
}

func (env *locationEnvT) inserted(instr *InstructionT) error {
	switch instr.Inserted {
	case InsertedMove, InsertedSpill:
		value, err := env.read(instr.Source)
		if err != nil {
			return err
		}
		env.write(instr.Dest, value)
	case InsertedLoadConstant:
		env.write(instr.Dest, valueT{instr.Constant, true})
	}
	return nil
}

func (env *locationEnvT) clobber(instr *InstructionT) {
	if instr.DestroysCallerSaved {
		for _, reg := range env.target.CallerSaved() {
			env.registers[reg] = valueT{}
		}
	}
	for _, operand := range instr.OperandsWithRole(Temp) {
		env.write(operand.Location, valueT{})
	}
}
