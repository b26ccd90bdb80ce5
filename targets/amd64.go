// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package targets

import (
	"github.com/mmcloughlin/avo/reg"

	"github.com/s48/linscan/lir"
)

// The SysV calling convention keeps these across calls.
var amd64CalleeSaved = map[string]bool{
	"BX": true, "BP": true, "R12": true, "R13": true, "R14": true, "R15": true}

// Reserved for the frame.
var amd64Reserved = map[string]bool{"SP": true, "BP": true}

// The 64-bit general purpose registers, named the way the Go
// assembler names them.
func Amd64() *lir.TargetT {
	target := &lir.TargetT{Name: "amd64", SlotSize: 8}
	for _, r := range reg.GeneralPurpose.Registers() {
		if r.Size() != 8 {
			continue
		}
		name := r.Asm()
		target.Registers = append(target.Registers, lir.RegisterT{
			Name:        name,
			CallerSaved: !amd64CalleeSaved[name],
			Allocatable: r.Info()&reg.Restricted == 0 && !amd64Reserved[name]})
	}
	return target
}
