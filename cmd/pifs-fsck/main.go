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

// Command pifs-fsck is a read-only consistency walker over a flashsim
// image file (SPEC_FULL.md "Supplemented features" item 2): it mounts
// the image, runs pkg/pifs.FileSystem.Fsck, prints the report, and never
// writes a single byte back to the image.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/pifs"
)

var (
	blockCount    uint32
	pagesPerBlock uint32
	pageSize      uint32
	reservedBlks  uint32
)

var rootCmd = &cobra.Command{
	Use:   "pifs-fsck IMAGE",
	Short: "Read-only consistency check of a pifs flash image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := pifs.DefaultConfig()
		cfg.BlockCount = blockCount
		cfg.PagesPerBlock = pagesPerBlock
		cfg.PageSize = pageSize
		cfg.ReservedBlocks = reservedBlks

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		img, err := flashsim.Load(f, cfg.BlockCount, cfg.PagesPerBlock, cfg.PageSize, cfg.ErasedByte)
		if err != nil {
			return fmt.Errorf("loading %s: %w", args[0], err)
		}
		fs, err := pifs.New(cfg, img, nil)
		if err != nil {
			return err
		}
		if err := fs.Init(); err != nil {
			return fmt.Errorf("mounting %s: %w", args[0], err)
		}

		report, err := fs.Fsck()
		if err != nil {
			return err
		}
		fmt.Printf("%s: checked %d directories, %d files\n", args[0], report.DirsChecked, report.FilesChecked)
		for _, e := range report.Errors {
			fmt.Println("  -", e)
		}
		if len(report.Errors) > 0 {
			return fmt.Errorf("%d inconsistencies found", len(report.Errors))
		}
		fmt.Println("clean")
		return nil
	},
}

func init() {
	rootCmd.Flags().Uint32Var(&blockCount, "blocks", 8, "block count (must match the image's geometry)")
	rootCmd.Flags().Uint32Var(&pagesPerBlock, "pages-per-block", 256, "pages per block (must match the image's geometry)")
	rootCmd.Flags().Uint32Var(&pageSize, "page-size", 256, "page size in bytes (must match the image's geometry)")
	rootCmd.Flags().Uint32Var(&reservedBlks, "reserved-blocks", 1, "reserved block count (must match the image's geometry)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pifs-fsck:", err)
		os.Exit(1)
	}
}
