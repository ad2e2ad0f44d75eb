// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import "github.com/pkg/errors"

// Errors returned by the engine wrap exactly one of these, test for them with errors.Is.
var (
	// ErrConfiguration is returned when no implementation is registered for the requested operator
	// kind. It is a programming error.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedConfiguration is returned at build time when no candidate implementation,
	// including the reference one, supports the requested shape, types, quantization scheme and
	// instruction sets.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrInvalidShape is returned when the problem dimensions (or the buffers given for them) are
	// not valid.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrExecutionFailed is returned by Kernel.Execute when a runtime invariant is violated. The
	// output buffer contents are undefined after it.
	ErrExecutionFailed = errors.New("execution failed")
)
