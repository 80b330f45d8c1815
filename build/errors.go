// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import "errors"

// ErrUncommittable is reported when the engine is asked to reify a version
// whose content it does not hold. This is an invariant violation and aborts
// the build.
var ErrUncommittable = errors.New("version cannot be committed")

// ErrTracer wraps failures of the process-tracing boundary: the kernel
// denying tracing, an exec failure, or a child dying before its first
// observable operation. These abort the build.
var ErrTracer = errors.New("tracer failure")
