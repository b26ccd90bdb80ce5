// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package lir

import (
	"strings"
	"testing"
)

func TestReadFile(t *testing.T) {
	file, err := ReadFile("sum.lir", []byte(`(lir 1.2)
(target synth4)
(method sum
  (vars (k (fixed R2)) n)
  (test (in 3 5) (out 15))
  (block entry (next loop) (freq 1)
    (arg (out n))
    (arg (out k))
    (const acc 0)
    (jump))
  (block loop (next loop done) (freq 10)
    (add (out acc) (in acc) (in k))
    (sub (out n) (in n) (in k) (state acc stack))
    (branch (in n)))
  (block done
    (call id (out r) (in acc))
    (return (in r))))`))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if file.Target != "synth4" || file.Version.Minor() != 2 || len(file.Methods) != 1 {
		t.Fatalf("file is %+v", file)
	}
	method := file.Methods[0]
	names := []string{}
	for _, v := range method.Vars {
		names = append(names, v.Name)
	}
	if strings.Join(names, " ") != "k n acc r" {
		t.Errorf("variables are %v", names)
	}
	if method.Vars[0].FixedName != "R2" || method.Vars[1].FixedName != "" {
		t.Errorf("k is fixed to %q, n to %q", method.Vars[0].FixedName, method.Vars[1].FixedName)
	}
	loop := method.Blocks[1]
	if len(loop.Previous) != 2 || loop.Frequency != 10 || loop.Next[0] != loop {
		t.Errorf("loop block is %+v", loop)
	}
	sub := loop.Instructions[1]
	if state := sub.Operands[3]; state.Role != State || state.Flags&StackOK == 0 {
		t.Errorf("state operand is %+v", state)
	}
	call := method.Blocks[2].Instructions[0]
	if call.Callee != "id" || !call.DestroysCallerSaved || len(call.Operands) != 2 {
		t.Errorf("call is %+v", call)
	}
	if constant := method.Blocks[0].Instructions[2]; constant.Constant != 0 || constant.Operands[0].Role != Output {
		t.Errorf("constant is %+v", constant)
	}
	if err := method.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestReadVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.0", true},
		{"1.7.3", true},
		{"2.0", false},
		{"0.9", false},
		{"one", false},
	}
	for _, test := range tests {
		_, err := ReadFile("v.lir", []byte("(lir "+test.version+")"))
		if (err == nil) != test.ok {
			t.Errorf("version %s returned %v", test.version, err)
		}
	}
	if _, err := ReadFile("v.lir", []byte("(method m (block b (return)))")); err == nil {
		t.Errorf("file with no version was accepted")
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		text    string
		message string
	}{
		{"(method m\n  (block b (next c)\n    (jump)))", "v.lir:3: unknown block c"},
		{"(method m\n  (block b\n    (add (out x) (on y))))", "v.lir:4: unknown operand role"},
		{"(method m\n  (block b\n    (use (in x fast))))", "v.lir:4: unknown operand flag fast"},
		{"(method m\n  (block b)\n  (block b))", "v.lir:4: duplicate block b"},
		{"(method m\n  (test (in 1 x))\n  (block b (return)))", "v.lir:3: test value x"},
		{"(method m)", "has no blocks"},
		{"(method m\n  (block b\n    (const x y)))", "malformed constant"},
		{"(function m)", "unexpected top-level form"},
	}
	for _, test := range tests {
		_, err := ReadFile("v.lir", []byte("(lir 1.0)\n"+test.text))
		if err == nil || !strings.Contains(err.Error(), test.message) {
			t.Errorf("%q returned %v, expected %q", test.text, err, test.message)
		}
	}
}
