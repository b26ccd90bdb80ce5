// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Register files for the targets the allocator knows about.

package targets

import (
	"fmt"
	"strconv"
	"strings"

	"tlog.app/go/errors"

	"github.com/s48/linscan/lir"
)

// A made-up machine with 'count' registers R0, R1, ...  The first
// half (rounded up) are caller-saved.
func Synthetic(count int) *lir.TargetT {
	target := &lir.TargetT{Name: fmt.Sprintf("synth%d", count), SlotSize: 8}
	for i := 0; i < count; i++ {
		target.Registers = append(target.Registers, lir.RegisterT{
			Name:        fmt.Sprintf("R%d", i),
			CallerSaved: i < (count+1)/2,
			Allocatable: true})
	}
	return target
}

// Accepts "amd64", "bpf", or "synthN".
func Lookup(name string) (*lir.TargetT, error) {
	switch {
	case name == "amd64":
		return Amd64(), nil
	case name == "bpf":
		return BPF(), nil
	case strings.HasPrefix(name, "synth"):
		count, err := strconv.Atoi(strings.TrimPrefix(name, "synth"))
		if err != nil || count < 1 {
			return nil, errors.New("bad synthetic target %q", name)
		}
		return Synthetic(count), nil
	}
	return nil, errors.New("unknown target %q", name)
}

func Names() []string {
	return []string{"amd64", "bpf", "synth4"}
}
