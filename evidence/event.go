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

package evidence

import (
	"fmt"
	"time"
)

// Source categories of normalized events.
const (
	SourceProcessList        = "process-list"
	SourceNetworkConnections = "network-connections"
	SourceTimeline           = "timeline"
	SourceFileListing        = "file-listing"
	SourceContacts           = "contacts"
	SourceMessages           = "messages"
	SourceCalls              = "calls"
	SourceApps               = "apps"
)

// Origin identifies the evidence a tool output was produced from.
type Origin struct {
	CaseID       string
	EvidenceHash string
}

// Event is one fact extracted from one line or record of a tool's output.
// EventTime is the processing time; the dedup key of an event is
// (EvidenceHash, SourceCategory, SequenceNumber).
type Event struct {
	EventTime      time.Time              `json:"event_time"`
	CaseID         string                 `json:"case_id"`
	EvidenceHash   string                 `json:"evidence_hash,omitempty"`
	SourceTool     string                 `json:"source_tool"`
	SourceCategory string                 `json:"source_category"`
	SequenceNumber int                    `json:"sequence_number"`
	Fields         map[string]interface{} `json:"fields"`
}

// NewEvent creates an Event for the record at position seq of a tool output.
func NewEvent(origin Origin, tool, sourceCategory string, seq int) *Event {
	return &Event{
		EventTime:      time.Now().UTC(),
		CaseID:         origin.CaseID,
		EvidenceHash:   origin.EvidenceHash,
		SourceTool:     tool,
		SourceCategory: sourceCategory,
		SequenceNumber: seq,
		Fields:         map[string]interface{}{},
	}
}

// Key returns the dedup key of the event.
func (e *Event) Key() string {
	return fmt.Sprintf("%s/%s/%d", e.EvidenceHash, e.SourceCategory, e.SequenceNumber)
}

// Field returns a string field or the empty string.
func (e *Event) Field(name string) string {
	if v, ok := e.Fields[name].(string); ok {
		return v
	}
	return ""
}

// IndicatorType is the kind of value an indicator lookup is made for.
type IndicatorType string

const (
	IndicatorHash    IndicatorType = "content-hash"
	IndicatorAddress IndicatorType = "network-address"
	IndicatorURL     IndicatorType = "url"
)

// Indicator is a known-bad value returned by an indicator source.
type Indicator struct {
	ID       string `json:"id,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	Type     string `json:"type"`
	Category string `json:"category,omitempty"`
	Value    string `json:"value"`
	Comment  string `json:"comment,omitempty"`
}

// IOCMatch records an indicator that matched a field of an event.
type IOCMatch struct {
	Field     string        `json:"field"`
	Type      IndicatorType `json:"type"`
	Value     string        `json:"value"`
	Indicator Indicator     `json:"indicator"`
}

// EnrichedEvent is an Event scored against indicator sources at one point
// in time.
type EnrichedEvent struct {
	Event
	ThreatScore       int        `json:"threat_score"`
	IOCMatches        []IOCMatch `json:"ioc_matches,omitempty"`
	EnrichmentSkipped bool       `json:"enrichment_skipped,omitempty"`
	SkipReason        string     `json:"skip_reason,omitempty"`
}

// Skip marks the enrichment of e as skipped and returns e.
func (e *EnrichedEvent) Skip(err error) *EnrichedEvent {
	e.EnrichmentSkipped = true
	e.SkipReason = err.Error()
	return e
}
