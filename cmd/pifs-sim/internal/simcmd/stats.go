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
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print free/to-be-released space and lifetime merge counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, _, err := openExisting()
		if err != nil {
			return err
		}
		free, err := fs.GetFreeSpace()
		if err != nil {
			return err
		}
		released, err := fs.GetToBeReleasedSpace()
		if err != nil {
			return err
		}
		st := fs.Stats()
		fmt.Printf("free space:          %d bytes (%d mgmt pages, %d data pages)\n", free.TotalBytes(), free.ManagementPages, free.DataPages)
		fmt.Printf("to-be-released space: %d bytes (%d mgmt pages, %d data pages)\n", released.TotalBytes(), released.ManagementPages, released.DataPages)
		fmt.Printf("merges run:               %d\n", st.MergeCount)
		fmt.Printf("blocks erased:            %d\n", st.PagesErased/int(fs.Config().PagesPerBlock))
		fmt.Printf("pages reclaimed by merge: %d\n", st.PagesReclaimed)
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Force a management-area merge (garbage collection) now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, img, err := openExisting()
		if err != nil {
			return err
		}
		if err := fs.Merge(); err != nil {
			return err
		}
		if err := saveImage(img); err != nil {
			return err
		}
		fmt.Println("merge complete")
		return nil
	},
}

var wearLevelCmd = &cobra.Command{
	Use:   "wear-level",
	Short: "Run a static wear-leveling pass now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, img, err := openExisting()
		if err != nil {
			return err
		}
		if err := fs.RunStaticWearLeveling(context.Background()); err != nil {
			return err
		}
		if err := saveImage(img); err != nil {
			return err
		}
		fmt.Println("static wear leveling pass complete")
		return nil
	},
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Walk the directory tree and report FSBM/map-chain inconsistencies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, _, err := openExisting()
		if err != nil {
			return err
		}
		report, err := fs.Fsck()
		if err != nil {
			return err
		}
		fmt.Printf("checked %d directories, %d files\n", report.DirsChecked, report.FilesChecked)
		for _, e := range report.Errors {
			fmt.Println("  -", e)
		}
		if len(report.Errors) > 0 {
			return fmt.Errorf("fsck found %d inconsistencies", len(report.Errors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(wearLevelCmd)
	rootCmd.AddCommand(fsckCmd)
}
