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

package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// Escalator opens an intelligence sharing record for an escalation.
type Escalator interface {
	Escalate(ctx context.Context, escalation *Escalation) error
}

// Attribute is a shareable indicator of an escalation.
type Attribute struct {
	Category string `json:"category"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	Comment  string `json:"comment,omitempty"`
}

// Escalation is created once per batch that contains events above the
// threshold. It carries exactly these events.
type Escalation struct {
	ID         string                    `json:"id"`
	CaseID     string                    `json:"case_id"`
	Info       string                    `json:"info"`
	Threshold  int                       `json:"threshold"`
	CreatedAt  time.Time                 `json:"created_at"`
	Events     []*evidence.EnrichedEvent `json:"events"`
	Attributes []Attribute               `json:"attributes"`
}

// Escalate returns the escalation for a batch, or nil if no event scores
// strictly above threshold.
func Escalate(events []*evidence.EnrichedEvent, threshold int) *Escalation {
	var qualifying []*evidence.EnrichedEvent
	for _, e := range events {
		if e.ThreatScore > threshold {
			qualifying = append(qualifying, e)
		}
	}
	if len(qualifying) == 0 {
		return nil
	}

	caseID := qualifying[0].CaseID
	if caseID == "" {
		caseID = "UNKNOWN"
	}
	return &Escalation{
		ID:         uuid.New().String(),
		CaseID:     caseID,
		Info:       fmt.Sprintf("Forensic Analysis - Case %s", caseID),
		Threshold:  threshold,
		CreatedAt:  time.Now().UTC(),
		Events:     qualifying,
		Attributes: attributes(caseID, qualifying),
	}
}

// attributes turns the matched values of events into shareable attributes,
// one per distinct type and value.
func attributes(caseID string, events []*evidence.EnrichedEvent) []Attribute {
	attrs := []Attribute{}
	seen := map[string]bool{}
	for _, e := range events {
		for _, m := range e.IOCMatches {
			attr := Attribute{Value: m.Value}
			switch m.Type {
			case evidence.IndicatorHash:
				attr.Category = "Payload delivery"
				attr.Type = hashType(m.Value)
				attr.Comment = fmt.Sprintf("Found in case %s - %s", caseID, e.SourceCategory)
			case evidence.IndicatorAddress:
				attr.Category = "Network activity"
				attr.Type = "ip-dst"
				attr.Comment = fmt.Sprintf("Network connection from case %s", caseID)
			case evidence.IndicatorURL:
				attr.Category = "Network activity"
				attr.Type = "url"
				attr.Comment = fmt.Sprintf("URL from case %s", caseID)
			default:
				continue
			}
			if seen[attr.Type+"|"+attr.Value] {
				continue
			}
			seen[attr.Type+"|"+attr.Value] = true
			attrs = append(attrs, attr)
		}
	}
	return attrs
}

// hashType names a hex digest by its length.
func hashType(digest string) string {
	switch len(digest) {
	case 32:
		return "md5"
	case 40:
		return "sha1"
	}
	return "sha256"
}
