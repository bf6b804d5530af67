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
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake"
	"github.com/forensicanalysis/evidenceintake/metrics"
	"github.com/forensicanalysis/evidenceintake/sink"
)

// environment is what every command works on.
type environment struct {
	config  *evidenceintake.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	intake  *evidenceintake.Orchestrator
	index   *sink.Index
	sinks   sink.Multi
}

// open loads the configuration and builds the orchestrator. With sinks set
// the event index and, if configured, the NATS sink are attached.
func open(configPath string, sinks bool) (*environment, error) {
	config, err := evidenceintake.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := evidenceintake.NewLogger(config.Log)
	if err != nil {
		return nil, err
	}
	env := &environment{config: config, logger: logger, metrics: metrics.New()}

	options := []evidenceintake.Option{
		evidenceintake.WithLogger(logger),
		evidenceintake.WithMetrics(env.metrics),
	}
	if sinks {
		if config.Storage.IndexPath != "" {
			index, err := sink.OpenIndex(config.Storage.IndexPath, logger.Named("index"))
			if err != nil {
				return nil, err
			}
			env.index = index
			env.sinks = append(env.sinks, index)
			options = append(options, evidenceintake.WithSink(index))
		}
		if config.NATS.URL != "" {
			publisher, err := sink.ConnectNATS(config.NATS, logger.Named("nats"))
			if err != nil {
				env.close()
				return nil, err
			}
			env.sinks = append(env.sinks, publisher)
			options = append(options, evidenceintake.WithSink(publisher), evidenceintake.WithEscalator(publisher))
		}
	}

	intake, err := evidenceintake.New(afero.NewOsFs(), *config, options...)
	if err != nil {
		env.close()
		return nil, err
	}
	env.intake = intake
	return env, nil
}

func (env *environment) close() {
	closer := io.Closer(env.sinks)
	if env.intake != nil {
		closer = env.intake
	}
	if err := closer.Close(); err != nil {
		env.logger.Error("could not close sinks", zap.Error(err))
	}
	env.logger.Sync() // nolint:errcheck
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "", "configuration file (yaml)")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
