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
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/enrich"
	"github.com/forensicanalysis/evidenceintake/evidence"
	"github.com/forensicanalysis/evidenceintake/hashstore"
	"github.com/forensicanalysis/evidenceintake/metrics"
	"github.com/forensicanalysis/evidenceintake/registry"
	"github.com/forensicanalysis/evidenceintake/router"
	"github.com/forensicanalysis/evidenceintake/sink"
)

// Orchestrator accepts evidence submissions and tool outputs. Submissions
// run hashing store, registry and job router in that order; tool outputs run
// normalizer, scorer, sinks and escalation.
type Orchestrator struct {
	fs       afero.Fs
	config   Config
	storage  *hashstore.Store
	registry *registry.Registry
	router   *router.Router

	platform   router.Platform
	source     enrich.IndicatorSource
	scorer     *enrich.Scorer
	escalators []enrich.Escalator
	sinks      sink.Multi

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlatform replaces the Jenkins platform of the configuration.
func WithPlatform(platform router.Platform) Option {
	return func(o *Orchestrator) { o.platform = platform }
}

// WithIndicatorSource replaces the MISP indicator source of the
// configuration.
func WithIndicatorSource(source enrich.IndicatorSource) Option {
	return func(o *Orchestrator) { o.source = source }
}

// WithEscalator adds a receiver of escalation records.
func WithEscalator(escalator enrich.Escalator) Option {
	return func(o *Orchestrator) { o.escalators = append(o.escalators, escalator) }
}

// WithSink adds a sink next to the NDJSON files in the processed directory.
func WithSink(s sink.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithMetrics sets the counters to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger of the orchestrator and all of its components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock sets the time source for creation and dispatch timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator that keeps evidence and processed events on
// fs. Without a WithPlatform option jobs go to the configured Jenkins,
// without WithIndicatorSource events are scored against the configured MISP
// instance if it has a URL.
func New(fs afero.Fs, config Config, options ...Option) (*Orchestrator, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	o := &Orchestrator{fs: fs, config: config, now: time.Now}
	for _, option := range options {
		option(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	if o.platform == nil {
		o.platform = router.NewJenkins(router.JenkinsConfig{
			URL:                config.Platform.URL,
			User:               config.Platform.User,
			Token:              config.Platform.Token,
			JobPrefix:          config.Platform.JobPrefix,
			InsecureSkipVerify: config.Platform.InsecureSkipVerify,
		})
	}
	if o.source == nil && config.Intel.URL != "" {
		misp := enrich.NewMISP(enrich.MISPConfig{
			URL:                config.Intel.URL,
			APIKey:             config.Intel.APIKey,
			Limit:              config.Intel.Limit,
			InsecureSkipVerify: config.Intel.InsecureSkipVerify,
		})
		o.source = misp
		o.escalators = append(o.escalators, misp)
	}
	if o.source != nil {
		o.scorer = enrich.NewScorer(o.source, enrich.Options{
			Timeout:   config.Intel.Timeout,
			CacheSize: config.Intel.CacheSize,
		}, o.logger.Named("enrich"))
	}

	o.storage = hashstore.New(fs, hashstore.Config{
		MaxSize:   config.Storage.MaxSize,
		ChunkSize: config.Storage.ChunkSize,
	}, o.logger.Named("hashstore"))

	reg, err := registry.New(fs, config.Storage.EvidenceDir, config.Storage.DispatchLease, o.logger.Named("registry"))
	if err != nil {
		return nil, err
	}
	o.registry = reg
	o.router = router.New(o.platform, config.Platform.Timeout, o.logger.Named("router"))

	ndjson := sink.NewNDJSON(fs, config.Storage.ProcessedDir, config.Storage.CompressEvents, o.logger.Named("sink"))
	o.sinks = append(sink.Multi{ndjson}, o.sinks...)
	return o, nil
}

// Request is a submission as supplied by the caller. Size is the declared
// length of the evidence stream, negative if unknown.
type Request struct {
	evidence.Fields
	Size int64
}

// Receipt is returned for every stored submission.
type Receipt struct {
	SubmissionID  string                 `json:"submission_id"`
	CaseID        string                 `json:"case_id"`
	StoredPath    string                 `json:"stored_path"`
	SizeBytes     int64                  `json:"size_bytes"`
	Digests       map[string]string      `json:"digests"`
	DispatchState evidence.DispatchState `json:"dispatch_state"`
	JobType       string                 `json:"job_type,omitempty"`
	Attempts      int                    `json:"attempts"`
	Message       string                 `json:"message,omitempty"`
}

// NewReceipt summarizes a submission.
func NewReceipt(s *evidence.Submission) *Receipt {
	return &Receipt{
		SubmissionID:  s.ID,
		CaseID:        s.CaseID,
		StoredPath:    s.StoredPath,
		SizeBytes:     s.SizeBytes,
		Digests:       s.Digests,
		DispatchState: s.Dispatch.State,
		JobType:       s.Dispatch.JobType,
		Attempts:      s.Dispatch.Attempts,
		Message:       s.Dispatch.Message,
	}
}

// Submit validates req, stores r with its digests, registers the
// submission and dispatches its analysis job.
//
// Validation errors are returned before anything is written. If storing or
// registering fails, the submission directory is removed. If only the
// dispatch fails, the receipt is returned together with an error wrapping
// evidence.ErrDispatchFailure; the submission stays available for
// Redispatch.
func (o *Orchestrator) Submit(ctx context.Context, req Request, r io.Reader) (*Receipt, error) {
	submission, err := o.store(req, r)
	if err != nil {
		o.metrics.Rejections.WithLabelValues(evidence.KindOf(err)).Inc()
		return nil, err
	}
	o.metrics.Submissions.WithLabelValues(submission.Category.String()).Inc()
	o.metrics.BytesStored.Add(float64(submission.SizeBytes))
	o.logger.Info("stored evidence",
		zap.String("submission_id", submission.ID),
		zap.String("case_id", submission.CaseID),
		zap.String("category", submission.Category.String()),
		zap.Int64("size", submission.SizeBytes),
		zap.String("sha256", submission.Digests[hashstore.SHA256]),
	)

	dispatched, err := o.dispatch(ctx, submission.ID)
	if dispatched == nil {
		dispatched = submission
	}
	return NewReceipt(dispatched), err
}

func (o *Orchestrator) store(req Request, r io.Reader) (*evidence.Submission, error) {
	fields, err := checkFields(req.Fields)
	if err != nil {
		return nil, err
	}
	priority, err := evidence.ParsePriority(fields.Priority)
	if err != nil {
		return nil, err
	}
	category, err := o.registry.Validate(fields.Category, fields.Filename)
	if err != nil {
		return nil, err
	}
	if err := o.storage.CheckSize(req.Size); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	alloc, err := o.registry.Allocate(fields.CaseID, now)
	if err != nil {
		return nil, err
	}

	storedName := evidence.SanitizeFilename(fields.Filename)
	result, err := o.storage.Store(r, filepath.Join(alloc.Dir, storedName))
	if err != nil {
		o.discard(alloc)
		return nil, err
	}

	submission := &evidence.Submission{
		ID:            alloc.ID,
		CaseID:        fields.CaseID,
		Category:      category,
		OriginalName:  fields.Filename,
		StoredName:    storedName,
		StoredPath:    result.Path,
		Digests:       result.Digests,
		SizeBytes:     result.Size,
		Investigator:  fields.Investigator,
		Description:   fields.Description,
		Priority:      priority,
		AnalysisLevel: fields.AnalysisLevel,
		CreatedAt:     now,
		Dispatch:      evidence.Dispatch{State: evidence.StatePending, UpdatedAt: now},
	}
	if err := o.registry.Register(alloc, submission); err != nil {
		o.discard(alloc)
		return nil, err
	}
	return submission, nil
}

func (o *Orchestrator) discard(alloc *registry.Allocation) {
	if err := o.registry.Discard(alloc); err != nil {
		o.logger.Error("could not remove submission directory", zap.String("dir", alloc.Dir), zap.Error(err))
	}
}

func checkFields(fields evidence.Fields) (evidence.Fields, error) {
	fields.CaseID = strings.TrimSpace(fields.CaseID)
	fields.Category = strings.TrimSpace(fields.Category)
	fields.Investigator = strings.TrimSpace(fields.Investigator)
	fields.Description = strings.TrimSpace(fields.Description)
	fields.AnalysisLevel = strings.TrimSpace(fields.AnalysisLevel)

	required := []struct{ name, value string }{
		{"case_id", fields.CaseID},
		{"category", fields.Category},
		{"investigator", fields.Investigator},
		{"description", fields.Description},
		{"filename", strings.TrimSpace(fields.Filename)},
	}
	for _, field := range required {
		if field.value == "" {
			return fields, errors.Wrapf(evidence.ErrInvalidField, "missing %s", field.name)
		}
	}
	return fields, nil
}

// Redispatch triggers the analysis job of a stored submission again. It
// fails with evidence.ErrAlreadyDispatched once a job was accepted.
func (o *Orchestrator) Redispatch(ctx context.Context, id string) (*Receipt, error) {
	submission, err := o.dispatch(ctx, id)
	if submission == nil {
		return nil, err
	}
	return NewReceipt(submission), err
}

// dispatch claims the submission, triggers its job once and records the
// outcome. The platform call happens outside of any registry lock.
func (o *Orchestrator) dispatch(ctx context.Context, id string) (*evidence.Submission, error) {
	claimed, err := o.registry.Claim(id, o.now())
	if err != nil {
		return claimed, err
	}
	attempt := claimed.Dispatch.Attempts

	result, dispatchErr := o.router.Dispatch(ctx, claimed)
	completed, err := o.registry.Complete(id, attempt, result.State == evidence.StateDispatched, result.Message, o.now())
	if err != nil {
		o.logger.Error("could not record dispatch result",
			zap.String("submission_id", id),
			zap.Int("attempt", attempt),
			zap.String("state", string(result.State)),
			zap.Error(err),
		)
		if dispatchErr != nil {
			return claimed, dispatchErr
		}
		return claimed, err
	}
	o.metrics.Dispatches.WithLabelValues(string(completed.Dispatch.State)).Inc()
	return completed, dispatchErr
}

// Lookup returns the record of a submission.
func (o *Orchestrator) Lookup(id string) (*evidence.Submission, error) {
	return o.registry.Lookup(id)
}

// List returns all submissions, oldest first.
func (o *Orchestrator) List() ([]*evidence.Submission, error) {
	return o.registry.List()
}

// Verify recomputes the digests of a stored submission and returns all
// differences to its record.
func (o *Orchestrator) Verify(id string) ([]string, error) {
	submission, err := o.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	return o.storage.Verify(submission.StoredPath, submission.SizeBytes, submission.Digests)
}

// Close closes all sinks.
func (o *Orchestrator) Close() error {
	return o.sinks.Close()
}
