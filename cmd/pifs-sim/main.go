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

// Command pifs-sim drives pkg/pifs over a flashsim.Image persisted to an
// ordinary file, so that a simulated flash medium survives between
// invocations the way a real device's contents survive a reboot.
package main

import (
	"fmt"
	"os"

	"pifs.dev/pifs/cmd/pifs-sim/internal/simcmd"
)

func main() {
	if err := simcmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pifs-sim:", err)
		os.Exit(1)
	}
}
