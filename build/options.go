// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

// Options is the set of behavior knobs recognized by the engine and the
// access filters.
type Options struct {
	// CombineReads collapses repeated reads by the same command through the
	// same reference into one recorded read.
	CombineReads bool
	// CombineWrites collapses repeated writes by the same command through
	// the same reference into one recorded write.
	CombineWrites bool
	// IgnoreSelfReads suppresses a command reading back its own most recent
	// write through the same reference.
	IgnoreSelfReads bool

	// PrintOnRun prints each command's short form as it launches.
	PrintOnRun bool
	// DryRun computes the must-rerun set without launching anything.
	DryRun bool
	// CommandLength is the column budget for short-form command printing.
	CommandLength int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() *Options {
	return &Options{
		CombineReads:    true,
		CombineWrites:   true,
		IgnoreSelfReads: true,
		CommandLength:   80,
	}
}
