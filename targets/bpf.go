// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package targets

import (
	"github.com/cilium/ebpf/asm"

	"github.com/s48/linscan/lir"
)

// eBPF: R0 holds results, R1-R5 are arguments and are clobbered by
// helper calls, R6-R9 survive calls and R10 is the read-only frame
// pointer.
func BPF() *lir.TargetT {
	target := &lir.TargetT{Name: "bpf", SlotSize: 8}
	for r := asm.R0; r <= asm.R10; r++ {
		target.Registers = append(target.Registers, lir.RegisterT{
			Name:        r.String(),
			CallerSaved: r <= asm.R5,
			Allocatable: r != asm.RFP})
	}
	return target
}
