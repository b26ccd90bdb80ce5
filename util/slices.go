// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package util

func Push[T any](slice *[]T, thing T) {
	*slice = append(*slice, thing)
}

func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}
