// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package alloc

import (
	"fmt"

	"tlog.app/go/errors"
)

// The allocator could not finish but nothing is wrong with it.  The
// caller can skip the method or compile it some other way.

type BailoutError struct {
	Method string
	Reason string
}

func (e *BailoutError) Error() string {
	return fmt.Sprintf("register allocation bailout in %s: %s", e.Method, e.Reason)
}

// An internal invariant does not hold.  Either the input was
// malformed or the allocator has a bug; either way the generated
// code would be wrong.  Var, Block, and Instruction are -1 when they
// don't apply.

type FatalError struct {
	Method      string
	Message     string
	Var         int
	Block       string
	Instruction int
}

func (e *FatalError) Error() string {
	s := fmt.Sprintf("register allocation failed in %s: %s", e.Method, e.Message)
	if 0 <= e.Var {
		s += fmt.Sprintf(" (operand %d)", e.Var)
	}
	if e.Block != "" {
		s += fmt.Sprintf(" (block %s)", e.Block)
	}
	if 0 <= e.Instruction {
		s += fmt.Sprintf(" (instruction %d)", e.Instruction)
	}
	return s
}

func IsBailout(err error) bool {
	var bailout *BailoutError
	return errors.As(err, &bailout)
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

func (alloc *AllocatorT) bailout(format string, args ...any) error {
	return &BailoutError{Method: alloc.method.Name, Reason: fmt.Sprintf(format, args...)}
}

func (alloc *AllocatorT) fatal(format string, args ...any) *FatalError {
	return &FatalError{
		Method:      alloc.methodName(),
		Message:     fmt.Sprintf(format, args...),
		Var:         -1,
		Instruction: -1}
}

func (e *FatalError) at(v int, block string, instr int) *FatalError {
	e.Var = v
	e.Block = block
	e.Instruction = instr
	return e
}

func (alloc *AllocatorT) methodName() string {
	if alloc == nil || alloc.method == nil {
		return "?"
	}
	return alloc.method.Name
}
