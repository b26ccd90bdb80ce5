// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Reading methods from S-expressions.
//
//  (lir 1.0)
//  (target amd64)
//  (method sum
//    (vars (x (fixed DI)) i acc)
//    (test (in 3) (out 6))
//    (block entry (next loop)
//      (arg (out x))
//      (const acc 0)
//      (jump))
//    ...)
//
// Variables that are not pre-colored need not be declared.

package lir

import (
	"strconv"

	"github.com/Masterminds/semver/v3"
	"tlog.app/go/errors"

	"github.com/s48/linscan/util"
)

// Versions of the text format this reader understands.
const FormatConstraint = "^1.0"

type FileT struct {
	Name    string
	Version *semver.Version
	Target  string // "" if the file doesn't name one
	Methods []*MethodT
}

func ReadFile(filename string, data []byte) (*FileT, error) {
	sexps, err := util.ParseSExps(string(data))
	if err != nil {
		return nil, errors.Wrap(err, "%s", filename)
	}
	reader := &readerT{filename: filename}
	return reader.file(sexps)
}

type readerT struct {
	filename string
}

func (reader *readerT) errorf(sexp *util.SExpT, format string, args ...any) error {
	args = append([]any{reader.filename, sexp.Line}, args...)
	return errors.New("%s:%d: "+format, args...)
}

func (reader *readerT) file(sexps []*util.SExpT) (*FileT, error) {
	file := &FileT{Name: reader.filename}
	if len(sexps) == 0 || sexps[0].Head() != "lir" || len(sexps[0].List) != 2 {
		return nil, errors.New("%s: file must start with (lir <version>)", reader.filename)
	}
	versionSExp := sexps[0].List[1]
	version, err := semver.NewVersion(versionSExp.String())
	if err != nil {
		return nil, reader.errorf(versionSExp, "bad version %s: %v", versionSExp, err)
	}
	constraint, err := semver.NewConstraint(FormatConstraint)
	if err != nil {
		panic(err)
	}
	if !constraint.Check(version) {
		return nil, reader.errorf(versionSExp, "format version %s does not satisfy %s", version, FormatConstraint)
	}
	file.Version = version
	for _, sexp := range sexps[1:] {
		switch sexp.Head() {
		case "target":
			if len(sexp.List) != 2 || sexp.List[1].Kind != util.SExpSymbol {
				return nil, reader.errorf(sexp, "malformed target %s", sexp)
			}
			file.Target = sexp.List[1].Symbol
		case "method":
			method, err := reader.method(sexp)
			if err != nil {
				return nil, err
			}
			util.Push(&file.Methods, method)
		default:
			return nil, reader.errorf(sexp, "unexpected top-level form %s", sexp)
		}
	}
	return file, nil
}

//----------------------------------------------------------------

type methodReaderT struct {
	*readerT
	method     *MethodT
	varIndexes map[string]int
	blocks     map[string]*BlockT
}

func (reader *readerT) method(sexp *util.SExpT) (*MethodT, error) {
	if len(sexp.List) < 2 || sexp.List[1].Kind != util.SExpSymbol {
		return nil, reader.errorf(sexp, "method has no name")
	}
	mreader := &methodReaderT{
		readerT:    reader,
		method:     &MethodT{Name: sexp.List[1].Symbol, Line: sexp.Line},
		varIndexes: map[string]int{},
		blocks:     map[string]*BlockT{}}
	method := mreader.method

	// Blocks first, so that 'next' can refer forward.
	for _, form := range sexp.List[2:] {
		if form.Head() != "block" {
			continue
		}
		if len(form.List) < 2 || form.List[1].Kind != util.SExpSymbol {
			return nil, reader.errorf(form, "block has no name")
		}
		name := form.List[1].Symbol
		if mreader.blocks[name] != nil {
			return nil, reader.errorf(form, "duplicate block %s", name)
		}
		block := &BlockT{Name: name, Index: len(method.Blocks)}
		mreader.blocks[name] = block
		util.Push(&method.Blocks, block)
	}
	if len(method.Blocks) == 0 {
		return nil, reader.errorf(sexp, "method %s has no blocks", method.Name)
	}

	for _, form := range sexp.List[2:] {
		var err error
		switch form.Head() {
		case "vars":
			err = mreader.vars(form)
		case "test":
			err = mreader.test(form)
		case "block":
			err = mreader.block(form)
		default:
			err = reader.errorf(form, "unexpected form in method: %s", form)
		}
		if err != nil {
			return nil, err
		}
	}
	for _, block := range method.Blocks {
		for _, next := range block.Next {
			util.Push(&next.Previous, block)
		}
	}
	return method, nil
}

func (mreader *methodReaderT) variable(name string) int {
	index, found := mreader.varIndexes[name]
	if !found {
		index = len(mreader.method.Vars)
		mreader.varIndexes[name] = index
		util.Push(&mreader.method.Vars, &VarT{Name: name, Fixed: -1})
	}
	return index
}

func (mreader *methodReaderT) vars(sexp *util.SExpT) error {
	for _, form := range sexp.List[1:] {
		switch {
		case form.Kind == util.SExpSymbol:
			mreader.variable(form.Symbol)
		case form.Kind == util.SExpList && len(form.List) == 2 &&
			form.List[0].Kind == util.SExpSymbol &&
			form.List[1].Head() == "fixed" && len(form.List[1].List) == 2:
			index := mreader.variable(form.List[0].Symbol)
			mreader.method.Vars[index].FixedName = form.List[1].List[1].String()
		default:
			return mreader.errorf(form, "malformed variable %s", form)
		}
	}
	return nil
}

func (mreader *methodReaderT) test(sexp *util.SExpT) error {
	test := &TestCaseT{}
	for _, part := range sexp.List[1:] {
		var values *[]int
		switch part.Head() {
		case "in":
			values = &test.Inputs
		case "out":
			values = &test.Outputs
		default:
			return mreader.errorf(part, "malformed test %s", sexp)
		}
		for _, value := range part.List[1:] {
			if value.Kind != util.SExpInt {
				return mreader.errorf(value, "test value %s is not an integer", value)
			}
			util.Push(values, value.Integer)
		}
	}
	util.Push(&mreader.method.Tests, test)
	return nil
}

func (mreader *methodReaderT) block(sexp *util.SExpT) error {
	block := mreader.blocks[sexp.List[1].Symbol]
	for _, form := range sexp.List[2:] {
		switch form.Head() {
		case "next":
			for _, name := range form.List[1:] {
				next := mreader.blocks[name.String()]
				if next == nil {
					return mreader.errorf(name, "unknown block %s", name)
				}
				util.Push(&block.Next, next)
			}
		case "freq":
			if len(form.List) != 2 {
				return mreader.errorf(form, "malformed frequency %s", form)
			}
			freq, err := strconv.ParseFloat(form.List[1].String(), 64)
			if err != nil || freq <= 0 {
				return mreader.errorf(form, "bad frequency %s", form.List[1])
			}
			block.Frequency = freq
		default:
			instr, err := mreader.instruction(form)
			if err != nil {
				return err
			}
			util.Push(&block.Instructions, instr)
		}
	}
	return nil
}

func (mreader *methodReaderT) instruction(sexp *util.SExpT) (*InstructionT, error) {
	op := sexp.Head()
	if op == "" {
		return nil, mreader.errorf(sexp, "malformed instruction %s", sexp)
	}
	instr := &InstructionT{Op: op, Id: -1}
	args := sexp.List[1:]
	switch op {
	case "const":
		if len(args) != 2 || args[0].Kind != util.SExpSymbol || args[1].Kind != util.SExpInt {
			return nil, mreader.errorf(sexp, "malformed constant %s", sexp)
		}
		util.Push(&instr.Operands, &OperandT{Role: Output, Var: mreader.variable(args[0].Symbol)})
		instr.Constant = args[1].Integer
		return instr, nil
	case "call":
		if len(args) == 0 || args[0].Kind != util.SExpSymbol {
			return nil, mreader.errorf(sexp, "call has no callee")
		}
		instr.Callee = args[0].Symbol
		instr.DestroysCallerSaved = true
		args = args[1:]
	}
	for _, arg := range args {
		operand, err := mreader.operand(arg)
		if err != nil {
			return nil, err
		}
		util.Push(&instr.Operands, operand)
	}
	return instr, nil
}

func (mreader *methodReaderT) operand(sexp *util.SExpT) (*OperandT, error) {
	if len(sexp.List) < 2 || sexp.List[1].Kind != util.SExpSymbol {
		return nil, mreader.errorf(sexp, "malformed operand %s", sexp)
	}
	role, found := ParseRole(sexp.Head())
	if !found {
		return nil, mreader.errorf(sexp, "unknown operand role in %s", sexp)
	}
	operand := &OperandT{Role: role, Var: mreader.variable(sexp.List[1].Symbol)}
	for _, flag := range sexp.List[2:] {
		if !flag.IsSymbol("stack") {
			return nil, mreader.errorf(flag, "unknown operand flag %s", flag)
		}
		operand.Flags |= StackOK
	}
	return operand, nil
}
