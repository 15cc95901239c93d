/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package status holds the error taxonomy shared by every IPC module.
//
// All failures are returned as errors wrapping one of the sentinels below.
// Code maps them to the negative status codes used on the wire and in logs.
package status

import (
	"errors"
)

var (
	// ErrNotFound is an expected result (name not registered, queue
	// empty, stamp not present) and is never escalated.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument reports a bad parameter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyExists reports a duplicate name or registration.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState reports an operation not legal in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotInitialized reports a module used before Setup or after Destroy.
	ErrNotInitialized = errors.New("module not initialized")
	// ErrOutOfMemory reports an exhausted heap, table or registry.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrBusy reports a delete by a non-owner or with other users attached.
	ErrBusy = errors.New("device busy")
	// ErrTimeout reports an expired wait.
	ErrTimeout = errors.New("timeout")
	// ErrFault reports an inconsistency found in shared memory.
	ErrFault = errors.New("shared memory fault")
	// ErrInterrupted reports a wait aborted by its context.
	ErrInterrupted = errors.New("interrupted")
	// ErrUnblocked reports a MessageQ reader released by Unblock.
	ErrUnblocked = errors.New("unblocked")
)

const (
	Success         = 0
	Failure         = -1
	NotFound        = -2
	InvalidArgument = -3
	AlreadyExists   = -4
	InvalidState    = -5
	NotInitialized  = -6
	OutOfMemory     = -7
	Busy            = -8
	Timeout         = -9
	Fault           = -10
	Interrupted     = -11
	Unblocked       = -12
)

var codes = []struct {
	err  error
	code int
}{
	{ErrNotFound, NotFound},
	{ErrInvalidArgument, InvalidArgument},
	{ErrAlreadyExists, AlreadyExists},
	{ErrInvalidState, InvalidState},
	{ErrNotInitialized, NotInitialized},
	{ErrOutOfMemory, OutOfMemory},
	{ErrBusy, Busy},
	{ErrTimeout, Timeout},
	{ErrFault, Fault},
	{ErrInterrupted, Interrupted},
	{ErrUnblocked, Unblocked},
}

// Code returns the negative status code for err, Success for nil and
// Failure for errors outside the taxonomy.
func Code(err error) int {
	if err == nil {
		return Success
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return Failure
}

// IsNotFound reports whether err is the expected not-found result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
