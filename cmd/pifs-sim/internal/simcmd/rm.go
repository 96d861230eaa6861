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

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove a file, reclaiming its pages on the next merge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, img, err := openExisting()
		if err != nil {
			return err
		}
		if err := fs.Remove(simTask, args[0]); err != nil {
			return fmt.Errorf("rm %s: %w", args[0], err)
		}
		if err := saveImage(img); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv OLD NEW",
	Short: "Rename a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, img, err := openExisting()
		if err != nil {
			return err
		}
		if err := fs.Rename(simTask, args[0], args[1]); err != nil {
			return fmt.Errorf("mv %s %s: %w", args[0], args[1], err)
		}
		if err := saveImage(img); err != nil {
			return err
		}
		fmt.Printf("renamed %s to %s\n", args[0], args[1])
		return nil
	},
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir PATH",
	Short: "Remove an empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, img, err := openExisting()
		if err != nil {
			return err
		}
		dir, name := splitParent(args[0])
		if err := chdirTo(fs, dir); err != nil {
			return err
		}
		if err := fs.Rmdir(simTask, name); err != nil {
			return fmt.Errorf("rmdir %s: %w", args[0], err)
		}
		if err := saveImage(img); err != nil {
			return err
		}
		fmt.Printf("removed directory %s\n", args[0])
		return nil
	},
}

// splitParent splits PATH into its parent directory (or "/") and final
// path component.
func splitParent(p string) (dir, name string) {
	comps := splitClean(p)
	if len(comps) == 0 {
		return "/", ""
	}
	name = comps[len(comps)-1]
	dir = "/" + joinSlash(comps[:len(comps)-1])
	return dir, name
}

func joinSlash(comps []string) string {
	out := ""
	for i, c := range comps {
		if i > 0 {
			out += "/"
		}
		out += c
	}
	return out
}

func init() {
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmdirCmd)
}
