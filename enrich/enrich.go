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

// Package enrich scores normalized events against indicator of compromise
// sources and decides when a batch has to be escalated.
package enrich

import (
	"context"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// Score weights. An event without any match scores Baseline.
const (
	Baseline      = 1
	HashWeight    = 8
	AddressWeight = 5
	URLWeight     = 5
)

// DefaultEscalationThreshold is the score an event has to exceed to be
// escalated.
const DefaultEscalationThreshold = 5

var weights = map[evidence.IndicatorType]int{
	evidence.IndicatorHash:    HashWeight,
	evidence.IndicatorAddress: AddressWeight,
	evidence.IndicatorURL:     URLWeight,
}

var hashFields = []string{"file_hash", "sha256", "sha1", "md5"}

// IndicatorSource looks up indicators matching a value exactly.
type IndicatorSource interface {
	Lookup(ctx context.Context, value string, typ evidence.IndicatorType) ([]evidence.Indicator, error)
}

// PermanentError marks a source failure that will not go away by itself,
// like rejected credentials. A batch stops querying after one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Matchable is an event field that can be looked up.
type Matchable struct {
	Field string
	Type  evidence.IndicatorType
	Value string
}

// Matchables returns the lookup candidates of an event in priority order:
// content hashes, the network address, the URL.
func Matchables(e *evidence.Event) []Matchable {
	var ms []Matchable
	for _, field := range hashFields {
		if v := strings.ToLower(strings.TrimSpace(e.Field(field))); v != "" {
			ms = append(ms, Matchable{Field: field, Type: evidence.IndicatorHash, Value: v})
		}
	}

	if ip := address(e.Field("ip_address")); ip != "" {
		ms = append(ms, Matchable{Field: "ip_address", Type: evidence.IndicatorAddress, Value: ip})
	} else if ip := address(e.Field("remote_addr")); ip != "" {
		ms = append(ms, Matchable{Field: "remote_addr", Type: evidence.IndicatorAddress, Value: ip})
	}

	if v := strings.TrimSpace(e.Field("url")); v != "" {
		ms = append(ms, Matchable{Field: "url", Type: evidence.IndicatorURL, Value: v})
	}
	return ms
}

// address extracts the IP of "ip", "ip:port" or "[ip]:port". Wildcard and
// unspecified addresses are not matchable.
func address(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(strings.Trim(s, "[]"))
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

// Score computes the threat score from the matches of an event. Every
// matched field adds the weight of its type once, no matter how many
// indicators it matched.
func Score(matches []evidence.IOCMatch) int {
	score := 0
	seen := map[string]bool{}
	for _, m := range matches {
		if seen[m.Field] {
			continue
		}
		seen[m.Field] = true
		score += weights[m.Type]
	}
	if score == 0 {
		return Baseline
	}
	return score
}

// Options configure a Scorer.
type Options struct {
	// Timeout bounds every single lookup.
	Timeout time.Duration
	// CacheSize is the number of lookups memoized within one batch.
	CacheSize int
}

// Scorer enriches events with the matches of an IndicatorSource.
type Scorer struct {
	source  IndicatorSource
	options Options
	logger  *zap.Logger
}

// NewScorer creates a Scorer on source.
func NewScorer(source IndicatorSource, options Options, logger *zap.Logger) *Scorer {
	if options.Timeout <= 0 {
		options.Timeout = 30 * time.Second
	}
	if options.CacheSize <= 0 {
		options.CacheSize = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{source: source, options: options, logger: logger}
}

type lookupKey struct {
	typ   evidence.IndicatorType
	value string
}

type lookupResult struct {
	indicators []evidence.Indicator
	err        error
}

// batch memoizes lookups so every event of one batch is scored against the
// same state of the source.
type batch struct {
	*Scorer
	memo *lru.Cache[lookupKey, lookupResult]
}

func (s *Scorer) newBatch() *batch {
	memo, err := lru.New[lookupKey, lookupResult](s.options.CacheSize)
	if err != nil {
		// only fails for non-positive sizes
		panic(err)
	}
	return &batch{Scorer: s, memo: memo}
}

func (b *batch) lookup(ctx context.Context, m Matchable) ([]evidence.Indicator, error) {
	key := lookupKey{m.Type, m.Value}
	if r, ok := b.memo.Get(key); ok {
		return r.indicators, r.err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, b.options.Timeout)
	indicators, err := b.source.Lookup(lookupCtx, m.Value, m.Type)
	cancel()

	if ctx.Err() == nil {
		b.memo.Add(key, lookupResult{indicators, err})
	}
	return indicators, err
}

// Enrich scores a single event. A failing source never drops the event: it
// is returned flagged as skipped with the score of the matches found so
// far. The returned error is non-nil only for permanent source failures.
func (s *Scorer) Enrich(ctx context.Context, e *evidence.Event) (*evidence.EnrichedEvent, error) {
	return s.newBatch().enrich(ctx, e)
}

func (b *batch) enrich(ctx context.Context, e *evidence.Event) (*evidence.EnrichedEvent, error) {
	enriched := &evidence.EnrichedEvent{Event: *e}

	for _, m := range Matchables(e) {
		indicators, err := b.lookup(ctx, m)
		if err != nil {
			enriched.Skip(errors.Wrapf(evidence.ErrEnrichmentUnavailable, "%s %s: %s", m.Type, m.Value, err))
			if IsPermanent(err) || ctx.Err() != nil {
				enriched.ThreatScore = Score(enriched.IOCMatches)
				return enriched, err
			}
			continue
		}
		for _, indicator := range indicators {
			enriched.IOCMatches = append(enriched.IOCMatches, evidence.IOCMatch{
				Field:     m.Field,
				Type:      m.Type,
				Value:     m.Value,
				Indicator: indicator,
			})
		}
	}

	enriched.ThreatScore = Score(enriched.IOCMatches)
	return enriched, nil
}

// EnrichBatch scores events in order. After a permanent source failure or
// cancellation no further lookups are made; the remaining events are
// returned with baseline scores, flagged as skipped, and the failure is
// returned alongside the complete batch.
func (s *Scorer) EnrichBatch(ctx context.Context, events []*evidence.Event) ([]*evidence.EnrichedEvent, error) {
	b := s.newBatch()
	enriched := make([]*evidence.EnrichedEvent, 0, len(events))

	var fatal error
	for _, e := range events {
		if fatal == nil && ctx.Err() != nil {
			fatal = ctx.Err()
		}
		if fatal != nil {
			skipped := &evidence.EnrichedEvent{Event: *e, ThreatScore: Baseline}
			enriched = append(enriched, skipped.Skip(errors.Wrap(evidence.ErrEnrichmentUnavailable, fatal.Error())))
			continue
		}

		ee, err := b.enrich(ctx, e)
		enriched = append(enriched, ee)
		if err != nil {
			fatal = err
			s.logger.Error("indicator source failed, skipping enrichment of remaining events", zap.Error(err))
		}
	}

	if fatal != nil {
		return enriched, errors.Wrap(evidence.ErrEnrichmentUnavailable, fatal.Error())
	}
	return enriched, nil
}

// SkippedCount returns the number of events whose enrichment was skipped.
func SkippedCount(events []*evidence.EnrichedEvent) int {
	n := 0
	for _, e := range events {
		if e.EnrichmentSkipped {
			n++
		}
	}
	return n
}
