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

// Package sink delivers enriched events downstream. Sinks are append-only:
// every batch is written as one record per event and nothing written is
// modified later.
package sink

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// Batch is the enriched output of one normalizer run.
type Batch struct {
	Tool      string
	CaseID    string
	CreatedAt time.Time
	Events    []*evidence.EnrichedEvent
}

// Sink receives batches.
type Sink interface {
	Write(ctx context.Context, batch *Batch) error
	Close() error
}

// Multi writes every batch to all of its sinks.
type Multi []Sink

// Write writes batch to every sink, also after one of them failed.
func (m Multi) Write(ctx context.Context, batch *Batch) error {
	var msgs []string
	for _, s := range m {
		if err := s.Write(ctx, batch); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return errors.Errorf("sink failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Close closes all sinks.
func (m Multi) Close() error {
	var msgs []string
	for _, s := range m {
		if err := s.Close(); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return errors.Errorf("close failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}
