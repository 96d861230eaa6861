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
	"path"
	"strings"

	"github.com/spf13/cobra"

	"pifs.dev/pifs/pkg/pifs"
	"pifs.dev/pifs/pkg/status"
)

// chdirTo walks fs's cwd to dir, one path component at a time, creating
// nothing — callers that need mkdir -p semantics do that explicitly.
func chdirTo(fs *pifs.FileSystem, dir string) error {
	if dir == "" || dir == "/" {
		return fs.Chdir(simTask, "/")
	}
	return fs.Chdir(simTask, dir)
}

var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a directory's contents (root if PATH is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, _, err := openExisting()
		if err != nil {
			return err
		}
		dir := "/"
		if len(args) == 1 {
			dir = args[0]
		}
		if err := chdirTo(fs, dir); err != nil {
			return fmt.Errorf("ls %s: %w", dir, err)
		}
		d, err := fs.Opendir(simTask)
		if err != nil {
			return err
		}
		defer fs.Closedir(d)
		for {
			e, err := fs.Readdir(d)
			if err != nil {
				break
			}
			kind := "f"
			if e.IsDirectory() {
				kind = "d"
			}
			fmt.Printf("%s %8d %s\n", kind, e.Size, e.Name)
		}
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a directory, creating intermediate components as needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, img, err := openOrCreate()
		if err != nil {
			return err
		}
		if err := fs.Chdir(simTask, "/"); err != nil {
			return err
		}
		for _, comp := range splitClean(args[0]) {
			if err := fs.Mkdir(simTask, comp); err != nil && !status.Is(err, status.FileAlreadyExist) {
				return fmt.Errorf("mkdir %s: %w", comp, err)
			}
			if err := fs.Chdir(simTask, comp); err != nil {
				return fmt.Errorf("mkdir %s: cd into just-created dir: %w", comp, err)
			}
		}
		if err := saveImage(img); err != nil {
			return err
		}
		fmt.Printf("created %s\n", args[0])
		return nil
	},
}

func splitClean(p string) []string {
	var out []string
	for _, comp := range strings.Split(path.Clean(p), "/") {
		if comp != "" && comp != "." {
			out = append(out, comp)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(mkdirCmd)
}
