// Copyright 2025 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package alloc

import (
	"bytes"
	"strings"
	"testing"
)

func TestDebugOutput(t *testing.T) {
	alloc := allocate(t, pressureMethod, testTarget(3))

	dump := alloc.DumpIntervals()
	for _, s := range []string{`Var: (string) (len=1) "k"`, "StoreAtDefinition", "loop-end"} {
		if !strings.Contains(dump, s) {
			t.Errorf("interval dump has no %q:\n%s", s, dump)
		}
	}

	var svg bytes.Buffer
	alloc.WriteIntervalsSVG(&svg)
	if !strings.Contains(svg.String(), "<svg") || !strings.Contains(svg.String(), "</svg>") {
		t.Errorf("bad SVG:\n%s", svg.String())
	}

	graph, err := alloc.ControlFlowDot()
	if err != nil {
		t.Fatalf("dot: %v", err)
	}
	for _, s := range []string{"entry -> head", "body -> head", "idom head"} {
		if !strings.Contains(string(graph), s) {
			t.Errorf("graph has no %q:\n%s", s, graph)
		}
	}
}
