// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package lir

import (
	"os"
	"strings"
	"testing"
)

func readTestMethod(t *testing.T, text string) *MethodT {
	t.Helper()
	file, err := ReadFile(t.Name(), []byte("(lir 1.0)\n"+text))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return file.Methods[0]
}

func TestSplitCriticalEdges(t *testing.T) {
	data, err := os.ReadFile("../test/test/max.lir")
	if err != nil {
		t.Fatalf("%v", err)
	}
	file, err := ReadFile("max.lir", data)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	method := file.Methods[0]
	if added := method.SplitCriticalEdges(); added != 1 {
		t.Fatalf("added %d blocks", added)
	}
	entry, join := method.Blocks[0], method.Blocks[2]
	edge := method.Blocks[len(method.Blocks)-1]
	if edge.Name != "entry_join" || edge.Index != 3 {
		t.Fatalf("new block is %s with index %d", edge.Name, edge.Index)
	}
	if entry.Next[1] != edge || edge.Next[0] != join || edge.Previous[0] != entry {
		t.Errorf("edge block is not between entry and join")
	}
	for _, prev := range join.Previous {
		if prev == entry {
			t.Errorf("join still has entry as a predecessor")
		}
	}
	if err := method.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if added := method.SplitCriticalEdges(); added != 0 {
		t.Errorf("second pass added %d blocks", added)
	}
	for _, test := range method.Tests {
		results, err := Evaluate(method, test.Inputs)
		if err != nil || len(results) != 1 || results[0] != test.Outputs[0] {
			t.Errorf("%v returned %v (%v)", test.Inputs, results, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		text    string
		message string
	}{
		{`(method m
  (block a (next b c) (jump))
  (block b (return))
  (block c (return)))`, "has 2 successors but ends with jump"},
		{`(method m
  (block a (next b) (return))
  (block b (return)))`, "has 1 successors but ends with return"},
		{`(method m
  (block a (arg (out x))))`, "does not return"},
		{`(method m
  (block a (next b) (return) (jump))
  (block b (return)))`, "return in the middle of a block"},
	}
	for _, test := range tests {
		err := readTestMethod(t, test.text).Validate()
		if err == nil || !strings.Contains(err.Error(), test.message) {
			t.Errorf("validate returned %v, expected %q", err, test.message)
		}
	}
}

func TestBindTarget(t *testing.T) {
	target := &TargetT{Name: "t", Registers: []RegisterT{
		{Name: "A", Allocatable: true},
		{Name: "SP"}}}
	method := readTestMethod(t, `(method m (vars (x (fixed A)) y) (block b (return)))`)
	if err := method.BindTarget(target); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if method.Vars[0].Fixed != 0 || method.Vars[1].Fixed != -1 {
		t.Errorf("fixed registers are %d %d", method.Vars[0].Fixed, method.Vars[1].Fixed)
	}
	for _, name := range []string{"SP", "B"} {
		method := readTestMethod(t, `(method m (vars (x (fixed `+name+`))) (block b (return)))`)
		if err := method.BindTarget(target); err == nil {
			t.Errorf("binding to %s succeeded", name)
		}
	}
}
