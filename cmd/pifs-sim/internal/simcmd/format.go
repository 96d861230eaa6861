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

	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/pifs"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create (or overwrite) the image at --image with a fresh filesystem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := defaultConfig()
		img := flashsim.New(cfg.BlockCount, cfg.PagesPerBlock, cfg.PageSize, cfg.ErasedByte)
		fs, err := pifs.New(cfg, img, newLogger())
		if err != nil {
			return err
		}
		if err := fs.Format(); err != nil {
			return err
		}
		if err := saveImage(img); err != nil {
			return err
		}
		free, _ := fs.GetFreeSpace()
		fmt.Printf("formatted %s (%d blocks x %d pages x %d bytes), %d free bytes (%d data pages, %d mgmt pages)\n",
			imagePath, cfg.BlockCount, cfg.PagesPerBlock, cfg.PageSize, free.TotalBytes(), free.DataPages, free.ManagementPages)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
}
