// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZaparooProject/go-cardwall/detection"
	"github.com/ZaparooProject/go-cardwall/pn532"
)

func newDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "List PN532 readers found on this machine",
		RunE:  runDetect,
	}
	cmd.Flags().StringSlice("only", nil, "restrict detection to these transports (uart, i2c, spi)")
	return cmd
}

func runDetect(cmd *cobra.Command, _ []string) error {
	mode, err := detection.ParseMode(current.DetectMode)
	if err != nil {
		return err
	}
	opts := detection.DefaultOptions()
	opts.Mode = mode
	opts.EnableCache = false
	for _, name := range v.GetStringSlice("only") {
		tt, err := pn532.ParseTransportType(name)
		if err != nil {
			return err
		}
		opts.Transports = append(opts.Transports, tt)
	}

	devices, err := detection.DetectAll(cmd.Context(), &opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TRANSPORT\tPATH\tNAME\tCONFIDENCE")
	for _, d := range devices {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Transport, d.Path, d.Name, d.Confidence)
	}
	return w.Flush()
}
