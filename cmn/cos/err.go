// Package cos provides common low-level types, error kinds, and ID
// generation shared by every package in this module.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"sync"
)

// Error kinds surfaced by the core, per the spec's error-handling design.
type (
	ErrNotFound struct{ what string }

	ErrInputUnreadable     struct{ what string }
	ErrOutputUnwritable    struct{ what string }
	ErrInsufficientScratch struct{ needed, avail int64 }
	ErrInsufficientMemory  struct{ needed, avail int64 }
	ErrArtifactCorrupted   struct{ what string }
	ErrCancelled           struct{ what string }
	ErrTimeout             struct{ what string }

	// Errs accumulates up to maxErrs distinct errors, de-duplicated by
	// message, for reporting partial/degraded results without failing fast.
	Errs struct {
		mu   sync.Mutex
		errs []error
	}
)

const maxErrs = 16

func NewErrNotFound(format string, a ...any) *ErrNotFound { return &ErrNotFound{fmt.Sprintf(format, a...)} }
func (e *ErrNotFound) Error() string                       { return e.what + " does not exist" }
func IsErrNotFound(err error) bool                          { var t *ErrNotFound; return errors.As(err, &t) }

func NewErrInputUnreadable(format string, a ...any) *ErrInputUnreadable {
	return &ErrInputUnreadable{fmt.Sprintf(format, a...)}
}
func (e *ErrInputUnreadable) Error() string { return "input unreadable: " + e.what }

func NewErrOutputUnwritable(format string, a ...any) *ErrOutputUnwritable {
	return &ErrOutputUnwritable{fmt.Sprintf(format, a...)}
}
func (e *ErrOutputUnwritable) Error() string { return "output unwritable: " + e.what }

func NewErrInsufficientScratch(needed, avail int64) *ErrInsufficientScratch {
	return &ErrInsufficientScratch{needed, avail}
}
func (e *ErrInsufficientScratch) Error() string {
	return fmt.Sprintf("insufficient scratch space: need %d bytes, have %d", e.needed, e.avail)
}

func NewErrInsufficientMemory(needed, avail int64) *ErrInsufficientMemory {
	return &ErrInsufficientMemory{needed, avail}
}
func (e *ErrInsufficientMemory) Error() string {
	return fmt.Sprintf("insufficient memory budget: need %d bytes, have %d", e.needed, e.avail)
}

func NewErrArtifactCorrupted(format string, a ...any) *ErrArtifactCorrupted {
	return &ErrArtifactCorrupted{fmt.Sprintf(format, a...)}
}
func (e *ErrArtifactCorrupted) Error() string { return "artifact corrupted: " + e.what }

func NewErrCancelled(what string) *ErrCancelled { return &ErrCancelled{what} }
func (e *ErrCancelled) Error() string           { return e.what + ": cancelled" }

func NewErrTimeout(what string) *ErrTimeout { return &ErrTimeout{what} }
func (e *ErrTimeout) Error() string         { return e.what + ": timed out" }

// Add records err, skipping exact-message duplicates, up to maxErrs.
func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Cnt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

// Strings renders every recorded error's message, in the order recorded.
func (e *Errs) Strings() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.errs))
	for i, err := range e.errs {
		out[i] = err.Error()
	}
	return out
}

// JoinErr returns a combined error (nil if none were recorded).
func (e *Errs) JoinErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return errors.Join(e.errs...)
}
