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
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Priority of a submission.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority accepts "normal", "urgent" and the empty string (normal).
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityUrgent:
		return PriorityUrgent, nil
	}
	return "", errors.Wrapf(ErrInvalidField, "priority %q", s)
}

// DispatchState tracks the analysis job of a submission.
type DispatchState string

const (
	StatePending     DispatchState = "pending"
	StateDispatching DispatchState = "dispatching"
	StateDispatched  DispatchState = "dispatched"
	StateFailed      DispatchState = "failed"
)

// Dispatch is the only mutable part of a submission record.
type Dispatch struct {
	State     DispatchState `json:"state"`
	JobType   string        `json:"job_type,omitempty"`
	Attempts  int           `json:"attempts"`
	UpdatedAt time.Time     `json:"updated_at"`
	Message   string        `json:"message,omitempty"`
}

// Submission is the metadata record of one piece of evidence. Everything
// except Dispatch is immutable once the record exists.
type Submission struct {
	ID            string            `json:"submission_id"`
	CaseID        string            `json:"case_id"`
	Category      Category          `json:"category"`
	OriginalName  string            `json:"original_name"`
	StoredName    string            `json:"stored_name"`
	StoredPath    string            `json:"stored_path"`
	Digests       map[string]string `json:"digests"`
	SizeBytes     int64             `json:"size_bytes"`
	Investigator  string            `json:"investigator"`
	Description   string            `json:"description"`
	Priority      Priority          `json:"priority"`
	AnalysisLevel string            `json:"analysis_level"`
	CreatedAt     time.Time         `json:"created_at"`
	Dispatch      Dispatch          `json:"dispatch"`
}

// Fields are the caller supplied attributes of a submission.
type Fields struct {
	CaseID        string
	Category      string
	Investigator  string
	Description   string
	Priority      string
	AnalysisLevel string
	Filename      string
}

// SameContent reports whether the immutable parts of two records are equal.
func (s *Submission) SameContent(o *Submission) bool {
	if s.ID != o.ID || s.CaseID != o.CaseID || s.Category != o.Category ||
		s.OriginalName != o.OriginalName || s.StoredName != o.StoredName ||
		s.StoredPath != o.StoredPath || s.SizeBytes != o.SizeBytes ||
		s.Investigator != o.Investigator || s.Description != o.Description ||
		s.Priority != o.Priority || s.AnalysisLevel != o.AnalysisLevel ||
		!s.CreatedAt.Equal(o.CreatedAt) || len(s.Digests) != len(o.Digests) {
		return false
	}
	for algorithm, digest := range s.Digests {
		if o.Digests[algorithm] != digest {
			return false
		}
	}
	return true
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeFilename reduces name to a safe base name made of ASCII letters,
// digits, dots, dashes and underscores.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._-")
	return name
}
