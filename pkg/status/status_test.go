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

package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCodeNotMessage(t *testing.T) {
	err := New(FileNotFound, "no such file: a.txt")
	if !Is(err, FileNotFound) {
		t.Error("Is(FileNotFound error, FileNotFound) = false, want true")
	}
	if Is(err, FileAlreadyExist) {
		t.Error("Is(FileNotFound error, FileAlreadyExist) = true, want false")
	}
}

func TestIsViaErrorsIs(t *testing.T) {
	err := New(NoMoreSpace, "device full")
	if !errors.Is(err, Of(NoMoreSpace)) {
		t.Error("errors.Is(err, Of(NoMoreSpace)) = false, want true")
	}
	if errors.Is(err, Of(NoMoreEntry)) {
		t.Error("errors.Is(err, Of(NoMoreEntry)) = true, want false")
	}
}

func TestCodeOfNilIsOK(t *testing.T) {
	if CodeOf(nil) != OK {
		t.Errorf("CodeOf(nil) = %v, want OK", CodeOf(nil))
	}
}

func TestCodeOfForeignErrorIsInternalRange(t *testing.T) {
	if got := CodeOf(fmt.Errorf("some unrelated failure")); got != InternalRange {
		t.Errorf("CodeOf(non-Status error) = %v, want InternalRange", got)
	}
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := fmt.Errorf("underlying driver fault")
	wrapped := Wrap(FlashWrite, cause)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is(wrapped, cause) = false, want true (Unwrap should expose the cause)")
	}
	if !Is(wrapped, FlashWrite) {
		t.Error("Is(wrapped, FlashWrite) = false, want true")
	}
}

func TestErrorFormattingOmitsRedundantMessage(t *testing.T) {
	bare := New(EndOfFile, EndOfFile.String())
	if bare.Error() != "end of file" {
		t.Errorf("Error() = %q, want %q (message equal to code string should not be repeated)", bare.Error(), "end of file")
	}
	detailed := New(EndOfFile, "reached offset 128 of 128")
	want := "end of file: reached offset 128 of 128"
	if detailed.Error() != want {
		t.Errorf("Error() = %q, want %q", detailed.Error(), want)
	}
}

func TestUnknownCodeStringsFallBackToNumeric(t *testing.T) {
	c := Code(9999)
	want := "status(9999)"
	if c.String() != want {
		t.Errorf("String() on an unrecognized code = %q, want %q", c.String(), want)
	}
}
