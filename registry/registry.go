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

// Package registry persists submission records. Every submission owns one
// directory below the registry root holding the stored evidence file and a
// metadata record. The directory name ends with the submission id, which is
// the only addressing scheme the registry relies on.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/qri-io/jsonschema"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

const dirTimeLayout = "20060102_150405"

// claimPattern names the claim file of a dispatch attempt. A claim file is
// created exclusively, so an attempt number is handed out at most once even
// when several processes share the registry root.
const claimPattern = "dispatch.%d.lock"

// Registry creates, reads and updates submission records.
type Registry struct {
	fs     afero.Fs
	root   string
	lease  time.Duration
	locks  *lockMap
	schema *jsonschema.Schema
	logger *zap.Logger
}

// Allocation is a reserved submission id and its empty directory.
type Allocation struct {
	ID  string
	Dir string
}

// New opens the registry rooted at root. A dispatch claim older than lease
// is considered abandoned and may be claimed again.
func New(fs afero.Fs, root string, lease time.Duration, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	return &Registry{
		fs:     fs,
		root:   root,
		lease:  lease,
		locks:  newLockMap(),
		schema: schema,
		logger: logger,
	}, nil
}

// Root returns the directory all submission directories are created in.
func (r *Registry) Root() string {
	return r.root
}

// Validate checks category and filename of a submission before anything is
// written. It returns the parsed category.
func (r *Registry) Validate(category, filename string) (evidence.Category, error) {
	c, err := evidence.ParseCategory(category)
	if err != nil {
		return 0, err
	}
	name := evidence.SanitizeFilename(filename)
	if name == "" {
		return 0, errors.Wrapf(evidence.ErrInvalidField, "filename %q", filename)
	}
	if !c.Allows(name) {
		return 0, errors.Wrapf(evidence.ErrDisallowedExtension, "%q for category %s (allowed: %s)",
			filename, c, strings.Join(c.Extensions(), ", "))
	}
	return c, nil
}

// Allocate reserves a new submission id and creates its directory. The
// directory is named <case>_<YYYYmmdd_HHMMSS>_<id>.
func (r *Registry) Allocate(caseID string, now time.Time) (*Allocation, error) {
	id := uuid.New().String()
	segment := evidence.SanitizeFilename(caseID)
	if segment == "" {
		segment = "case"
	}
	dir := filepath.Join(r.root, fmt.Sprintf("%s_%s_%s", segment, now.UTC().Format(dirTimeLayout), id))
	if err := r.fs.Mkdir(dir, 0750); err != nil {
		return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	return &Allocation{ID: id, Dir: dir}, nil
}

// Discard removes an allocated directory and everything in it. It is used
// to roll back a submission whose evidence or record could not be written.
func (r *Registry) Discard(alloc *Allocation) error {
	if !strings.HasSuffix(alloc.Dir, "_"+alloc.ID) || filepath.Dir(alloc.Dir) != filepath.Clean(r.root) {
		return errors.Errorf("%s is not a submission directory", alloc.Dir)
	}
	return r.fs.RemoveAll(alloc.Dir)
}

// Register persists a new record into the directory of its allocation. An
// existing record is never replaced.
func (r *Registry) Register(alloc *Allocation, submission *evidence.Submission) error {
	if submission.ID != alloc.ID {
		return errors.Wrapf(evidence.ErrInvalidField, "submission id %s does not match allocation %s", submission.ID, alloc.ID)
	}
	if submission.Dispatch.State == "" {
		submission.Dispatch.State = evidence.StatePending
	}

	r.locks.lock(submission.ID)
	defer r.locks.unlock(submission.ID)

	exists, err := afero.Exists(r.fs, filepath.Join(alloc.Dir, RecordName))
	if err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	if exists {
		return errors.Wrapf(evidence.ErrStorageFailure, "record for %s already exists", submission.ID)
	}
	if err := r.writeRecord(alloc.Dir, submission); err != nil {
		return err
	}
	r.logger.Info("registered submission",
		zap.String("submission_id", submission.ID),
		zap.String("case_id", submission.CaseID),
		zap.Stringer("category", submission.Category),
	)
	return nil
}

// Lookup returns the record of a submission.
func (r *Registry) Lookup(id string) (*evidence.Submission, error) {
	dir, err := r.dir(id)
	if err != nil {
		return nil, err
	}
	return r.readRecord(dir)
}

// List returns all readable records ordered by creation time. Unreadable
// records are logged and left out.
func (r *Registry) List() ([]*evidence.Submission, error) {
	infos, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*evidence.Submission{}, nil
		}
		return nil, err
	}

	submissions := []*evidence.Submission{}
	for _, info := range infos {
		if !info.IsDir() || submissionID(info.Name()) == "" {
			continue
		}
		submission, err := r.readRecord(filepath.Join(r.root, info.Name()))
		if err != nil {
			r.logger.Warn("skipping submission", zap.String("dir", info.Name()), zap.Error(err))
			continue
		}
		submissions = append(submissions, submission)
	}

	sort.Slice(submissions, func(i, j int) bool {
		if submissions[i].CreatedAt.Equal(submissions[j].CreatedAt) {
			return submissions[i].ID < submissions[j].ID
		}
		return submissions[i].CreatedAt.Before(submissions[j].CreatedAt)
	})
	return submissions, nil
}

// Claim moves the dispatch state of a submission from pending or failed to
// dispatching and returns the updated record. Only one caller can hold the
// claim; it is released by Complete or expires after the lease.
func (r *Registry) Claim(id string, now time.Time) (*evidence.Submission, error) {
	return r.update(id, func(dir string, s *evidence.Submission) error {
		switch s.Dispatch.State {
		case evidence.StateDispatched:
			return errors.Wrapf(evidence.ErrAlreadyDispatched, "submission %s", id)
		case evidence.StateDispatching:
			if now.Sub(s.Dispatch.UpdatedAt) < r.lease {
				return errors.Wrapf(evidence.ErrDispatchInProgress, "submission %s since %s", id, s.Dispatch.UpdatedAt.Format(time.RFC3339))
			}
			r.logger.Warn("reclaiming abandoned dispatch", zap.String("submission_id", id), zap.Int("attempt", s.Dispatch.Attempts))
		}

		jobType, err := s.Category.JobType()
		if err != nil {
			return err
		}
		attempt, err := r.claimAttempt(dir, id, s.Dispatch.Attempts+1, now)
		if err != nil {
			return err
		}
		s.Dispatch = evidence.Dispatch{
			State:     evidence.StateDispatching,
			JobType:   jobType,
			Attempts:  attempt,
			UpdatedAt: now.UTC(),
		}
		return nil
	})
}

// claimAttempt creates the claim file of the first free attempt starting at
// attempt and returns its number. It fails with ErrDispatchInProgress if
// another registry holds a claim younger than the lease. Claims whose record
// was never written are skipped once the lease has passed.
func (r *Registry) claimAttempt(dir, id string, attempt int, now time.Time) (int, error) {
	for {
		name := filepath.Join(dir, fmt.Sprintf(claimPattern, attempt))
		file, err := r.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
		if err == nil {
			_, err = file.WriteString(now.UTC().Format(time.RFC3339Nano))
			if cerr := file.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return 0, errors.Wrap(evidence.ErrStorageFailure, err.Error())
			}
			return attempt, nil
		}

		claimedAt, rerr := r.claimTime(name)
		if rerr != nil {
			return 0, errors.Wrap(evidence.ErrStorageFailure, rerr.Error())
		}
		if now.Sub(claimedAt) < r.lease {
			return 0, errors.Wrapf(evidence.ErrDispatchInProgress, "attempt %d of submission %s already claimed", attempt, id)
		}
		r.logger.Warn("skipping abandoned claim", zap.String("submission_id", id), zap.Int("attempt", attempt))
		attempt++
	}
}

// claimTime reads the time a claim file was written. A claim whose writer
// has not finished yet falls back to the modification time.
func (r *Registry) claimTime(name string) (time.Time, error) {
	b, err := afero.ReadFile(r.fs, name)
	if err != nil {
		return time.Time{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, string(b)); err == nil {
		return t, nil
	}
	info, err := r.fs.Stat(name)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (r *Registry) claimed(dir string, attempt int) (bool, error) {
	return afero.Exists(r.fs, filepath.Join(dir, fmt.Sprintf(claimPattern, attempt)))
}

// Complete records the outcome of the dispatch attempt returned by Claim.
// It fails if the claim was taken over by a later attempt.
func (r *Registry) Complete(id string, attempt int, dispatched bool, message string, now time.Time) (*evidence.Submission, error) {
	return r.update(id, func(dir string, s *evidence.Submission) error {
		switch {
		case s.Dispatch.State == evidence.StateDispatched:
			return errors.Wrapf(evidence.ErrAlreadyDispatched, "submission %s", id)
		case s.Dispatch.State != evidence.StateDispatching || s.Dispatch.Attempts != attempt:
			return errors.Wrapf(evidence.ErrDispatchInProgress, "attempt %d of submission %s is not the current claim", attempt, id)
		}
		// another process may have taken over after the lease expired
		superseded, err := r.claimed(dir, attempt+1)
		if err != nil {
			return errors.Wrap(evidence.ErrStorageFailure, err.Error())
		}
		if superseded {
			return errors.Wrapf(evidence.ErrDispatchInProgress, "attempt %d of submission %s was taken over", attempt, id)
		}

		s.Dispatch.State = evidence.StateFailed
		if dispatched {
			s.Dispatch.State = evidence.StateDispatched
		}
		s.Dispatch.Message = message
		s.Dispatch.UpdatedAt = now.UTC()
		return nil
	})
}

// update applies fn to a copy of the record under the submission lock and
// persists the result. Only the dispatch section may change. The lock only
// serializes callers of this registry; state changes that must hold across
// processes go through claim files.
func (r *Registry) update(id string, fn func(dir string, s *evidence.Submission) error) (*evidence.Submission, error) {
	dir, err := r.dir(id)
	if err != nil {
		return nil, err
	}

	r.locks.lock(id)
	defer r.locks.unlock(id)

	current, err := r.readRecord(dir)
	if err != nil {
		return nil, err
	}

	next := *current
	next.Digests = make(map[string]string, len(current.Digests))
	for algorithm, digest := range current.Digests {
		next.Digests[algorithm] = digest
	}
	if err := fn(dir, &next); err != nil {
		return current, err
	}
	if !next.SameContent(current) {
		return nil, errors.Wrapf(evidence.ErrInvalidField, "immutable fields of %s changed", id)
	}
	if err := r.writeRecord(dir, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (r *Registry) dir(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return "", errors.Wrapf(evidence.ErrNotFound, "submission %q", id)
	}

	matches, err := afero.Glob(r.fs, filepath.Join(r.root, "*_"+id))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", errors.Wrapf(evidence.ErrNotFound, "submission %s", id)
	case 1:
		return matches[0], nil
	}
	return "", errors.Wrapf(evidence.ErrCorruptRecord, "%d directories for submission %s", len(matches), id)
}

func submissionID(dirName string) string {
	i := strings.LastIndex(dirName, "_")
	if i < 0 {
		return ""
	}
	id := dirName[i+1:]
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}
