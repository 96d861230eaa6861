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

// Package simcmd implements cmd/pifs-sim's cobra command tree: a
// persisted-to-a-file flashsim.Image driven through pkg/pifs, in the
// spirit of the sibling pack member aiSzzPL-retroio's per-subcommand
// "operate on a disk image file" CLI shape (SPEC_FULL.md, "Domain stack")
// rather than the teacher's own upload-centric cmdmain verbs.
package simcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/pifs"
)

var (
	imagePath     string
	blockCount    uint32
	pagesPerBlock uint32
	pageSize      uint32
	reservedBlks  uint32
	verbose       bool

	rootCmd = &cobra.Command{
		Use:   "pifs-sim",
		Short: "Drive pkg/pifs over a file-backed flash simulator",
		Long: `pifs-sim exercises the pifs log-structured filesystem against a
simulated NOR-flash medium persisted to an ordinary file between
invocations, for manual exploration and scripted smoke tests.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&imagePath, "image", "pifs.img", "path to the simulated flash image file")
	rootCmd.PersistentFlags().Uint32Var(&blockCount, "blocks", 8, "block count (only used when creating a new image)")
	rootCmd.PersistentFlags().Uint32Var(&pagesPerBlock, "pages-per-block", 256, "pages per block (only used when creating a new image)")
	rootCmd.PersistentFlags().Uint32Var(&pageSize, "page-size", 256, "page size in bytes (only used when creating a new image)")
	rootCmd.PersistentFlags().Uint32Var(&reservedBlks, "reserved-blocks", 1, "reserved block count (only used when creating a new image)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
}

// Execute runs the command tree, returning the first error encountered.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func defaultConfig() pifs.Config {
	cfg := pifs.DefaultConfig()
	cfg.BlockCount = blockCount
	cfg.PagesPerBlock = pagesPerBlock
	cfg.PageSize = pageSize
	cfg.ReservedBlocks = reservedBlks
	return cfg
}

// openOrCreate loads imagePath if it exists, mounting the filesystem it
// already holds, or creates and formats a fresh image at the configured
// geometry when it does not.
func openOrCreate() (*pifs.FileSystem, *flashsim.Image, error) {
	cfg := defaultConfig()
	log := newLogger()

	if f, err := os.Open(imagePath); err == nil {
		defer f.Close()
		img, err := flashsim.Load(f, cfg.BlockCount, cfg.PagesPerBlock, cfg.PageSize, cfg.ErasedByte)
		if err != nil {
			return nil, nil, fmt.Errorf("loading %s: %w", imagePath, err)
		}
		fs, err := pifs.New(cfg, img, log)
		if err != nil {
			return nil, nil, err
		}
		if err := fs.Init(); err != nil {
			return nil, nil, fmt.Errorf("mounting %s: %w", imagePath, err)
		}
		return fs, img, nil
	}

	img := flashsim.New(cfg.BlockCount, cfg.PagesPerBlock, cfg.PageSize, cfg.ErasedByte)
	fs, err := pifs.New(cfg, img, log)
	if err != nil {
		return nil, nil, err
	}
	if err := fs.Format(); err != nil {
		return nil, nil, err
	}
	return fs, img, nil
}

// openExisting loads imagePath, failing if it does not already exist —
// used by commands (like fsck) that should never silently fabricate a
// fresh medium.
func openExisting() (*pifs.FileSystem, *flashsim.Image, error) {
	cfg := defaultConfig()
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", imagePath, err)
	}
	defer f.Close()
	img, err := flashsim.Load(f, cfg.BlockCount, cfg.PagesPerBlock, cfg.PageSize, cfg.ErasedByte)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", imagePath, err)
	}
	fs, err := pifs.New(cfg, img, newLogger())
	if err != nil {
		return nil, nil, err
	}
	if err := fs.Init(); err != nil {
		return nil, nil, fmt.Errorf("mounting %s: %w", imagePath, err)
	}
	return fs, img, nil
}

// saveImage persists img's current contents back to imagePath.
func saveImage(img *flashsim.Image) error {
	f, err := os.Create(imagePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", imagePath, err)
	}
	defer f.Close()
	if _, err := img.WriteTo(f); err != nil {
		return fmt.Errorf("writing %s: %w", imagePath, err)
	}
	return nil
}
