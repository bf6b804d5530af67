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

package evidenceintake

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/enrich"
	"github.com/forensicanalysis/evidenceintake/evidence"
	"github.com/forensicanalysis/evidenceintake/hashstore"
	"github.com/forensicanalysis/evidenceintake/normalize"
	"github.com/forensicanalysis/evidenceintake/sink"
)

// ToolOutput locates the output of one forensic tool run. If SubmissionID
// is set, case id, evidence hash and, if empty, tool are taken from the
// submission.
type ToolOutput struct {
	Tool         string
	Dir          string
	SubmissionID string
	CaseID       string
	EvidenceHash string
}

// Report summarizes a processed tool output.
type Report struct {
	Tool              string              `json:"tool"`
	CaseID            string              `json:"case_id"`
	EvidenceHash      string              `json:"evidence_hash,omitempty"`
	Files             map[string]int      `json:"files"`
	Events            int                 `json:"events"`
	Skipped           []normalize.Skipped `json:"skipped,omitempty"`
	EnrichmentSkipped int                 `json:"enrichment_skipped"`
	MaxThreatScore    int                 `json:"max_threat_score"`
	EscalationID      string              `json:"escalation_id,omitempty"`
	Escalated         int                 `json:"escalated"`
}

// Process normalizes a tool output, scores the events and writes them to
// all sinks. A batch with events above the escalation threshold is handed
// to every escalator as one escalation record.
//
// Malformed records and failed lookups do not fail the run; they are
// counted in the report. If the indicator source fails permanently the
// events are still written and the report is returned together with an
// error wrapping evidence.ErrEnrichmentUnavailable.
func (o *Orchestrator) Process(ctx context.Context, out ToolOutput) (*Report, error) { // nolint:funlen
	origin := evidence.Origin{CaseID: out.CaseID, EvidenceHash: out.EvidenceHash}
	tool := out.Tool
	if out.SubmissionID != "" {
		submission, err := o.registry.Lookup(out.SubmissionID)
		if err != nil {
			return nil, err
		}
		origin.CaseID = submission.CaseID
		origin.EvidenceHash = submission.Digests[hashstore.SHA256]
		if tool == "" {
			tool = submission.Category.Tool()
		}
	}
	if tool == "" {
		return nil, errors.Wrap(evidence.ErrInvalidField, "missing tool")
	}

	normalizer, err := normalize.New(tool, o.fs, o.logger.Named("normalize"))
	if err != nil {
		return nil, err
	}
	result, err := normalizer.Normalize(ctx, out.Dir, origin)
	if err != nil {
		return nil, err
	}
	o.metrics.Events.WithLabelValues(tool).Add(float64(len(result.Events)))
	o.metrics.RecordsSkipped.WithLabelValues(tool).Add(float64(len(result.Skipped)))

	enriched, enrichErr := o.enrich(ctx, result.Events)
	skipped := enrich.SkippedCount(enriched)
	o.metrics.EnrichmentSkipped.Add(float64(skipped))

	batch := &sink.Batch{Tool: tool, CaseID: origin.CaseID, CreatedAt: o.now().UTC(), Events: enriched}
	if err := o.sinks.Write(ctx, batch); err != nil {
		return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}

	report := &Report{
		Tool:              tool,
		CaseID:            origin.CaseID,
		EvidenceHash:      origin.EvidenceHash,
		Files:             result.Files,
		Events:            len(enriched),
		Skipped:           result.Skipped,
		EnrichmentSkipped: skipped,
	}
	for _, e := range enriched {
		if e.ThreatScore > report.MaxThreatScore {
			report.MaxThreatScore = e.ThreatScore
		}
	}

	if escalation := enrich.Escalate(enriched, o.config.Intel.EscalationThreshold); escalation != nil {
		report.EscalationID = escalation.ID
		report.Escalated = len(escalation.Events)
		o.metrics.Escalations.Inc()
		o.escalate(ctx, escalation)
	}

	o.logger.Info("processed tool output",
		zap.String("tool", tool),
		zap.String("case_id", origin.CaseID),
		zap.Int("events", report.Events),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("enrichment_skipped", skipped),
		zap.String("escalation_id", report.EscalationID),
	)
	return report, enrichErr
}

// enrich scores events. Without an indicator source every event keeps the
// baseline score and is flagged as skipped.
func (o *Orchestrator) enrich(ctx context.Context, events []*evidence.Event) ([]*evidence.EnrichedEvent, error) {
	if o.scorer != nil {
		return o.scorer.EnrichBatch(ctx, events)
	}
	reason := errors.Wrap(evidence.ErrEnrichmentUnavailable, "no indicator source configured")
	enriched := make([]*evidence.EnrichedEvent, 0, len(events))
	for _, e := range events {
		ee := &evidence.EnrichedEvent{Event: *e, ThreatScore: enrich.Baseline}
		enriched = append(enriched, ee.Skip(reason))
	}
	return enriched, nil
}

// escalate hands the escalation to every escalator. Failures are logged;
// the events are already written at this point.
func (o *Orchestrator) escalate(ctx context.Context, escalation *enrich.Escalation) {
	for _, escalator := range o.escalators {
		if err := escalator.Escalate(ctx, escalation); err != nil {
			o.logger.Error("could not escalate", zap.String("escalation_id", escalation.ID), zap.Error(err))
		}
	}
}

// Pinger is implemented by external services that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServiceStatus is the reachability of one external service.
type ServiceStatus struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	Message   string `json:"message,omitempty"`
}

// Status is the state of the intake.
type Status struct {
	Services    []ServiceStatus                `json:"services"`
	Submissions map[evidence.DispatchState]int `json:"submissions"`
}

// Status checks the execution platform and the indicator source and counts
// the submissions per dispatch state.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	status := &Status{Submissions: map[evidence.DispatchState]int{}}

	services := map[string]interface{}{"platform": o.platform}
	if o.source != nil {
		services["intel"] = o.source
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		service := ServiceStatus{Name: name}
		if pinger, ok := services[name].(Pinger); ok {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := pinger.Ping(pingCtx); err != nil {
				service.Message = err.Error()
			} else {
				service.Reachable = true
			}
			cancel()
		} else {
			service.Message = "no health check"
		}
		status.Services = append(status.Services, service)
	}

	submissions, err := o.registry.List()
	if err != nil {
		return nil, err
	}
	for _, s := range submissions {
		status.Submissions[s.Dispatch.State]++
	}
	return status, nil
}
