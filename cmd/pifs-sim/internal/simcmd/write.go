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
	"io"
	"os"

	"github.com/spf13/cobra"
)

const simTask = 0

var fromFile string

var writeCmd = &cobra.Command{
	Use:   "write NAME [TEXT]",
	Short: "Write TEXT (or --from, or stdin) into NAME, creating or truncating it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, img, err := openOrCreate()
		if err != nil {
			return err
		}

		var data []byte
		switch {
		case fromFile != "":
			data, err = os.ReadFile(fromFile)
			if err != nil {
				return err
			}
		case len(args) == 2:
			data = []byte(args[1])
		default:
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
		}

		f, err := fs.Fopen(simTask, args[0], "w")
		if err != nil {
			return fmt.Errorf("fopen(%s, w): %w", args[0], err)
		}
		if _, err := fs.Fwrite(f, data); err != nil {
			fs.Fclose(f)
			return fmt.Errorf("fwrite(%s): %w", args[0], err)
		}
		if err := fs.Fclose(f); err != nil {
			return fmt.Errorf("fclose(%s): %w", args[0], err)
		}
		if err := saveImage(img); err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes to %s\n", len(data), args[0])
		return nil
	},
}

func init() {
	writeCmd.Flags().StringVar(&fromFile, "from", "", "read the content to write from this host file instead of TEXT/stdin")
	rootCmd.AddCommand(writeCmd)
}
