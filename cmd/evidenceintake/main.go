// Copyright (c) 2020 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

// Package main implements the evidenceintake command line tool.
//     submit    Store evidence and dispatch its analysis job
//     dispatch  Trigger the analysis job of a stored submission again
//     show      Print the metadata record of a submission
//     list      Print all submissions
//     verify    Recompute the digests of a submission
//     process   Normalize, score and index the output of a forensic tool
//     search    Full text search over indexed events
//     serve     Run the http intake API
//
// Usage
//
// Submit a memory image
//     evidenceintake submit --config intake.yml --case CASE-42 --category memory \
//         --investigator alice --description "workstation 7" memory.dmp
// Process the volatility output of that submission
//     evidenceintake process --config intake.yml --submission <id> out/
// Verify the stored evidence
//     evidenceintake verify --config intake.yml <id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forensicanalysis/evidenceintake/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "evidenceintake",
		Short:         "Ingest forensic evidence and normalize tool output",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		cmd.Submit(), cmd.Dispatch(), cmd.Show(), cmd.List(),
		cmd.Verify(), cmd.Process(), cmd.Search(), cmd.Serve(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}
