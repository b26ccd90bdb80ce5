// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package lir

// A target's register file.  Register numbers are indexes into
// Registers.  TargetTs are not modified after they are made and
// can be shared between allocators.

type TargetT struct {
	Name      string
	Registers []RegisterT
	SlotSize  int // bytes per stack slot
}

type RegisterT struct {
	Name        string
	CallerSaved bool // destroyed by calls
	Allocatable bool // false for stack and frame pointers and the like
}

func (target *TargetT) RegisterCount() int {
	return len(target.Registers)
}

func (target *TargetT) CallerSaved() []int {
	result := []int{}
	for i, reg := range target.Registers {
		if reg.CallerSaved {
			result = append(result, i)
		}
	}
	return result
}

func (target *TargetT) Allocatable() []int {
	result := []int{}
	for i, reg := range target.Registers {
		if reg.Allocatable {
			result = append(result, i)
		}
	}
	return result
}

// Returns -1 if there is no register named 'name'.
func (target *TargetT) RegisterNamed(name string) int {
	for i, reg := range target.Registers {
		if reg.Name == name {
			return i
		}
	}
	return -1
}
