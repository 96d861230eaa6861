/*
Copyright 2026 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package status defines the closed status enumeration shared by every
// pifs package, and a Status error type that carries one of its codes
// plus an optional underlying cause.
package status

import (
	"errors"
	"fmt"
)

// Code is one member of the closed status enumeration (spec §7).
type Code int

const (
	OK Code = iota

	// Structural
	NotInitialized
	Checksum
	InternalRange
	InternalAllocation

	// Capacity
	NoMoreSpace
	NoMoreEntry
	NoMoreResource

	// Semantic
	FileNotFound
	FileAlreadyExist
	IsDirectory
	IsNotDirectory
	DirectoryNotEmpty
	InvalidFileName
	InvalidOpenMode
	SeekNotPossible
	EndOfFile
	OutOfRange
	StaleHandle

	// Driver
	FlashRead
	FlashWrite
	FlashErase

	// Delta-only
	NotProgrammable

	// Wear-level counter exhaustion (Open Question decision, see DESIGN.md)
	WearCounterExhausted
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case NotInitialized:
		return "not initialized"
	case Checksum:
		return "checksum mismatch"
	case InternalRange:
		return "internal range error"
	case InternalAllocation:
		return "internal allocation error"
	case NoMoreSpace:
		return "no more space"
	case NoMoreEntry:
		return "no more entry"
	case NoMoreResource:
		return "no more resource"
	case FileNotFound:
		return "file not found"
	case FileAlreadyExist:
		return "file already exists"
	case IsDirectory:
		return "is a directory"
	case IsNotDirectory:
		return "is not a directory"
	case DirectoryNotEmpty:
		return "directory not empty"
	case InvalidFileName:
		return "invalid file name"
	case InvalidOpenMode:
		return "invalid open mode"
	case SeekNotPossible:
		return "seek not possible"
	case EndOfFile:
		return "end of file"
	case OutOfRange:
		return "out of range"
	case StaleHandle:
		return "stale handle"
	case FlashRead:
		return "flash read error"
	case FlashWrite:
		return "flash write error"
	case FlashErase:
		return "flash erase error"
	case NotProgrammable:
		return "not programmable"
	case WearCounterExhausted:
		return "wear counter exhausted"
	default:
		return fmt.Sprintf("status(%d)", int(c))
	}
}

// Status is an error carrying a Code and, optionally, an underlying cause.
// Public pifs operations stash the last Status returned on the file handle
// (ferror) and on the filesystem singleton (the process-wide last-error
// variable spec §7 describes).
type Status struct {
	Code  Code
	Msg   string
	Cause error
}

func New(code Code, msg string) *Status {
	return &Status{Code: code, Msg: msg}
}

func Wrap(code Code, cause error) *Status {
	return &Status{Code: code, Msg: code.String(), Cause: cause}
}

func (s *Status) Error() string {
	if s.Cause != nil {
		if s.Msg != "" && s.Msg != s.Code.String() {
			return fmt.Sprintf("%s: %s: %v", s.Code, s.Msg, s.Cause)
		}
		return fmt.Sprintf("%s: %v", s.Code, s.Cause)
	}
	if s.Msg != "" && s.Msg != s.Code.String() {
		return fmt.Sprintf("%s: %s", s.Code, s.Msg)
	}
	return s.Code.String()
}

func (s *Status) Unwrap() error { return s.Cause }

// Is lets errors.Is(err, status.Of(code)) match a *Status by Code; a
// target carrying a non-empty Msg never matches.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return t.Code == s.Code && t.Msg == ""
}

// CodeOf extracts the Code from err if it is (or wraps) a *Status, OK if
// err is nil, and InternalRange for any other error. Used by callers such as merge that treat Checksum failures on
// optional cached records as recoverable.
func CodeOf(err error) Code {
	var st *Status
	if errors.As(err, &st) {
		return st.Code
	}
	if err == nil {
		return OK
	}
	return InternalRange
}

// Is reports whether err's Code matches code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Sentinel values for errors.Is comparisons against a bare code, e.g.
// errors.Is(err, status.Of(status.EndOfFile)).
func Of(code Code) *Status { return &Status{Code: code} }
