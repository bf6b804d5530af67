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

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/forensicanalysis/evidenceintake"
	"github.com/forensicanalysis/evidenceintake/api"
	"github.com/forensicanalysis/evidenceintake/evidence"
)

// Submit is the submit commandline subcommand.
func Submit() *cobra.Command {
	var configPath string
	var fields evidence.Fields
	submitCommand := &cobra.Command{
		Use:   "submit <file>",
		Short: "Store evidence and dispatch its analysis job",
		Args:  requireFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, false)
			if err != nil {
				return err
			}
			defer env.close()

			file, err := os.Open(args[0]) // #nosec
			if err != nil {
				return err
			}
			defer file.Close()
			info, err := file.Stat()
			if err != nil {
				return err
			}

			req := evidenceintake.Request{Fields: fields, Size: info.Size()}
			req.Filename = filepath.Base(args[0])
			receipt, err := env.intake.Submit(commandContext(cmd), req, file)
			if receipt != nil {
				if printErr := printJSON(cmd.OutOrStdout(), receipt); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
	addConfigFlag(submitCommand, &configPath)
	submitCommand.Flags().StringVar(&fields.CaseID, "case", "", "case id")
	submitCommand.Flags().StringVar(&fields.Category, "category", "", "evidence category (disk, memory, mobile, malware)")
	submitCommand.Flags().StringVar(&fields.Investigator, "investigator", "", "investigator")
	submitCommand.Flags().StringVar(&fields.Description, "description", "", "description")
	submitCommand.Flags().StringVar(&fields.Priority, "priority", "normal", "priority (normal, urgent)")
	submitCommand.Flags().StringVar(&fields.AnalysisLevel, "analysis-level", "", "analysis level passed to the job")
	return submitCommand
}

// Dispatch is the dispatch commandline subcommand.
func Dispatch() *cobra.Command {
	var configPath string
	dispatchCommand := &cobra.Command{
		Use:   "dispatch <submission id>",
		Short: "Trigger the analysis job of a stored submission again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, false)
			if err != nil {
				return err
			}
			defer env.close()

			receipt, err := env.intake.Redispatch(commandContext(cmd), args[0])
			if receipt != nil {
				if printErr := printJSON(cmd.OutOrStdout(), receipt); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
	addConfigFlag(dispatchCommand, &configPath)
	return dispatchCommand
}

// Show is the show commandline subcommand.
func Show() *cobra.Command {
	var configPath string
	showCommand := &cobra.Command{
		Use:   "show <submission id>",
		Short: "Print the metadata record of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, false)
			if err != nil {
				return err
			}
			defer env.close()

			submission, err := env.intake.Lookup(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), submission)
		},
	}
	addConfigFlag(showCommand, &configPath)
	return showCommand
}

// List is the list commandline subcommand.
func List() *cobra.Command {
	var configPath string
	listCommand := &cobra.Command{
		Use:   "list",
		Short: "Print all submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, false)
			if err != nil {
				return err
			}
			defer env.close()

			submissions, err := env.intake.List()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), submissions)
		},
	}
	addConfigFlag(listCommand, &configPath)
	return listCommand
}

// Verify is the verify commandline subcommand.
func Verify() *cobra.Command {
	var configPath string
	var noFail bool
	verifyCommand := &cobra.Command{
		Use:   "verify <submission id>",
		Short: "Recompute the digests of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, false)
			if err != nil {
				return err
			}
			defer env.close()

			flaws, err := env.intake.Verify(args[0])
			if err != nil {
				return err
			}
			if len(flaws) == 0 {
				return nil
			}
			if err := printJSON(cmd.OutOrStdout(), flaws); err != nil {
				return err
			}
			if noFail {
				return nil
			}
			return errors.Errorf("%d flaws in submission %s", len(flaws), args[0])
		},
	}
	addConfigFlag(verifyCommand, &configPath)
	verifyCommand.Flags().BoolVar(&noFail, "no-fail", false, "return exit code 0")
	return verifyCommand
}

// Process is the process commandline subcommand.
func Process() *cobra.Command {
	var configPath string
	var out evidenceintake.ToolOutput
	processCommand := &cobra.Command{
		Use:   "process <tool output dir>",
		Short: "Normalize, score and index the output of a forensic tool",
		Args:  requireFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, true)
			if err != nil {
				return err
			}
			defer env.close()

			out.Dir = args[0]
			report, err := env.intake.Process(commandContext(cmd), out)
			if report != nil {
				if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
	addConfigFlag(processCommand, &configPath)
	processCommand.Flags().StringVar(&out.Tool, "tool", "", "tool that produced the output (autopsy, volatility, andriller)")
	processCommand.Flags().StringVar(&out.SubmissionID, "submission", "", "submission the output was produced from")
	processCommand.Flags().StringVar(&out.CaseID, "case", "", "case id")
	processCommand.Flags().StringVar(&out.EvidenceHash, "evidence-hash", "", "sha256 of the analyzed evidence")
	return processCommand
}

// Search is the search commandline subcommand.
func Search() *cobra.Command {
	var configPath string
	searchCommand := &cobra.Command{
		Use:   "search <query>",
		Short: "Full text search over indexed events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, true)
			if err != nil {
				return err
			}
			defer env.close()

			if env.index == nil {
				return errors.New("no event index configured")
			}
			events, err := env.index.Search(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	addConfigFlag(searchCommand, &configPath)
	return searchCommand
}

// Serve is the serve commandline subcommand.
func Serve() *cobra.Command {
	var configPath string
	serveCommand := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server", "http"},
		Short:   "Run the http intake API",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(configPath, true)
			if err != nil {
				return err
			}
			defer env.close()

			server := api.New(env.intake, env.metrics, env.config.Storage.MaxSize, env.logger.Named("api"))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				if err := server.Shutdown(); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			}()
			return server.Listen(env.config.API.Listen)
		},
	}
	addConfigFlag(serveCommand, &configPath)
	return serveCommand
}

func requireFiles(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("requires exactly one path")
	}
	for _, arg := range args {
		if _, err := os.Stat(arg); os.IsNotExist(err) {
			return errors.Wrap(os.ErrNotExist, arg)
		}
	}
	return nil
}
