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

package simcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read NAME",
	Short: "Print NAME's contents to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, _, err := openExisting()
		if err != nil {
			return err
		}
		f, err := fs.Fopen(simTask, args[0], "r")
		if err != nil {
			return fmt.Errorf("fopen(%s, r): %w", args[0], err)
		}
		defer fs.Fclose(f)

		buf := make([]byte, fs.Config().PageSize)
		for {
			n, err := fs.Fread(f, buf)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if f.Feof() {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fread(%s): %w", args[0], err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(readCmd)
}
