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

// Package router maps submissions to analysis jobs and triggers them on an
// external execution platform.
package router

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"github.com/stoewer/go-strcase"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// DefaultTimeout bounds a single trigger call.
const DefaultTimeout = 30 * time.Second

// DefaultAnalysisLevel is sent when a submission does not name one.
const DefaultAnalysisLevel = "standard"

// Platform triggers parameterized jobs. Trigger returns the status code of
// the platform's acknowledgement.
type Platform interface {
	Trigger(ctx context.Context, job string, params map[string]string) (int, error)
}

// Parameters of an analysis job.
type Parameters struct {
	SubmissionID  string `structs:"submission_id"`
	CaseID        string `structs:"case_id"`
	StoredPath    string `structs:"stored_path"`
	EvidencePath  string `structs:"evidence_path"`
	Investigator  string `structs:"investigator"`
	Priority      string `structs:"priority"`
	AnalysisLevel string `structs:"analysis_level"`
	Urgent        bool   `structs:"urgent"`
}

// NewParameters builds the job parameters for a submission.
func NewParameters(s *evidence.Submission) Parameters {
	level := s.AnalysisLevel
	if level == "" {
		level = DefaultAnalysisLevel
	}
	return Parameters{
		SubmissionID:  s.ID,
		CaseID:        s.CaseID,
		StoredPath:    s.StoredPath,
		EvidencePath:  s.StoredPath,
		Investigator:  s.Investigator,
		Priority:      string(s.Priority),
		AnalysisLevel: level,
		Urgent:        s.Priority == evidence.PriorityUrgent,
	}
}

// Map renders the parameters with UPPER_SNAKE keys as the platform expects
// them.
func (p Parameters) Map() map[string]string {
	m := map[string]string{}
	for key, value := range structs.Map(p) {
		name := strcase.UpperSnakeCase(key)
		switch v := value.(type) {
		case string:
			m[name] = v
		case bool:
			m[name] = strconv.FormatBool(v)
		default:
			m[name] = fmt.Sprint(v)
		}
	}
	return m
}

// Job is an analysis job for one submission.
type Job struct {
	Type       string
	Parameters Parameters
}

// NewJob derives the job for a submission from its category.
func NewJob(s *evidence.Submission) (*Job, error) {
	jobType, err := s.Category.JobType()
	if err != nil {
		return nil, err
	}
	return &Job{Type: jobType, Parameters: NewParameters(s)}, nil
}

// Result is the outcome of one dispatch attempt.
type Result struct {
	State      evidence.DispatchState
	JobType    string
	StatusCode int
	Message    string
}

// Router dispatches jobs. It holds no state of its own; recording the
// result against the submission is up to the caller.
type Router struct {
	platform Platform
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a Router. A zero timeout means DefaultTimeout.
func New(platform Platform, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{platform: platform, timeout: timeout, logger: logger}
}

// Dispatch triggers the analysis job of s once. It never retries. Any
// network error, timeout or non-success status yields a failed Result and
// an error wrapping evidence.ErrDispatchFailure.
func (r *Router) Dispatch(ctx context.Context, s *evidence.Submission) (*Result, error) {
	job, err := NewJob(s)
	if err != nil {
		return &Result{State: evidence.StateFailed, Message: err.Error()}, err
	}
	result := &Result{JobType: job.Type}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	status, err := r.platform.Trigger(ctx, job.Type, job.Parameters.Map())
	result.StatusCode = status

	logger := r.logger.With(
		zap.String("submission_id", s.ID),
		zap.String("job_type", job.Type),
		zap.Duration("took", time.Since(start)),
	)

	switch {
	case err != nil:
		result.State = evidence.StateFailed
		result.Message = fmt.Sprintf("job trigger failed: %s", err)
	case status != 200 && status != 201:
		result.State = evidence.StateFailed
		result.Message = fmt.Sprintf("job trigger failed: status %d", status)
	default:
		result.State = evidence.StateDispatched
		result.Message = "job triggered"
		logger.Info("dispatched analysis job", zap.Int("status", status))
		return result, nil
	}

	logger.Warn("dispatch failed", zap.String("reason", result.Message))
	return result, errors.Wrap(evidence.ErrDispatchFailure, result.Message)
}
