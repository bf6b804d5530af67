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

package registry

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

var emptyDigests = map[string]string{
	"md5":    "d41d8cd98f00b204e9800998ecf8427e",
	"sha1":   "da39a3ee5e6b4b0d3255bfef95601890afd80709",
	"sha256": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
}

var t0 = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

func setup(t *testing.T) (afero.Fs, *Registry) {
	fs := afero.NewMemMapFs()
	r, err := New(fs, "/evidence", time.Minute, nil)
	require.NoError(t, err)
	return fs, r
}

func register(t *testing.T, r *Registry, caseID string, created time.Time) *evidence.Submission {
	alloc, err := r.Allocate(caseID, created)
	require.NoError(t, err)

	submission := &evidence.Submission{
		ID:           alloc.ID,
		CaseID:       caseID,
		Category:     evidence.Disk,
		OriginalName: "laptop disk.img",
		StoredName:   "laptop_disk.img",
		StoredPath:   filepath.Join(alloc.Dir, "laptop_disk.img"),
		Digests:      emptyDigests,
		SizeBytes:    0,
		Investigator: "j.doe",
		Description:  "seized laptop",
		Priority:     evidence.PriorityUrgent,
		CreatedAt:    created,
	}
	require.NoError(t, r.Register(alloc, submission))
	return submission
}

func TestRegistry_Validate(t *testing.T) {
	_, r := setup(t)

	tests := []struct {
		name     string
		category string
		filename string
		want     evidence.Category
		wantErr  error
	}{
		{"disk image", "disk", "case.E01", evidence.Disk, nil},
		{"memory in path", "memory", `C:\dumps\host.vmem`, evidence.Memory, nil},
		{"unknown category", "cloud", "a.img", 0, evidence.ErrInvalidCategory},
		{"wrong extension", "disk", "payload.exe", 0, evidence.ErrDisallowedExtension},
		{"no extension", "malware", "sample", 0, evidence.ErrDisallowedExtension},
		{"empty name", "disk", "../", 0, evidence.ErrInvalidField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Validate(tt.category, tt.filename)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_Allocate(t *testing.T) {
	fs, r := setup(t)

	a, err := r.Allocate("CASE-2024/001", t0)
	require.NoError(t, err)
	b, err := r.Allocate("CASE-2024/001", t0)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Dir, b.Dir)
	assert.Equal(t, "/evidence/001_20240301_123045_"+a.ID, a.Dir)

	isDir, err := afero.IsDir(fs, a.Dir)
	require.NoError(t, err)
	assert.True(t, isDir)

	c, err := r.Allocate("///", t0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(c.Dir), "case_"))
}

func TestRegistry_RegisterLookup(t *testing.T) {
	fs, r := setup(t)
	submission := register(t, r, "CASE-1", t0)

	got, err := r.Lookup(submission.ID)
	require.NoError(t, err)
	assert.True(t, submission.SameContent(got))
	assert.Equal(t, evidence.StatePending, got.Dispatch.State)

	infos, err := afero.ReadDir(fs, filepath.Dir(submission.StoredPath))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, RecordName, infos[0].Name())
}

func TestRegistry_RegisterTwice(t *testing.T) {
	_, r := setup(t)
	submission := register(t, r, "CASE-1", t0)

	alloc := &Allocation{ID: submission.ID, Dir: filepath.Dir(submission.StoredPath)}
	changed := *submission
	changed.Description = "overwritten"
	err := r.Register(alloc, &changed)
	assert.True(t, errors.Is(err, evidence.ErrStorageFailure))

	got, err := r.Lookup(submission.ID)
	require.NoError(t, err)
	assert.Equal(t, "seized laptop", got.Description)
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	_, r := setup(t)
	alloc, err := r.Allocate("CASE-1", t0)
	require.NoError(t, err)

	err = r.Register(alloc, &evidence.Submission{ID: alloc.ID, Category: evidence.Disk, Digests: map[string]string{"md5": "nothex"}})
	assert.True(t, errors.Is(err, evidence.ErrInvalidField), err)

	err = r.Register(alloc, &evidence.Submission{ID: uuid.New().String()})
	assert.True(t, errors.Is(err, evidence.ErrInvalidField), err)
}

func TestRegistry_LookupMissing(t *testing.T) {
	_, r := setup(t)

	for _, id := range []string{uuid.New().String(), "not-a-uuid", "*", ""} {
		_, err := r.Lookup(id)
		assert.True(t, errors.Is(err, evidence.ErrNotFound), id)
	}
}

func TestRegistry_LookupCorrupt(t *testing.T) {
	fs, r := setup(t)
	submission := register(t, r, "CASE-1", t0)
	record := filepath.Join(filepath.Dir(submission.StoredPath), RecordName)

	for _, content := range []string{"{}", "{", `{"submission_id": 1}`} {
		require.NoError(t, afero.WriteFile(fs, record, []byte(content), 0640))
		_, err := r.Lookup(submission.ID)
		assert.True(t, errors.Is(err, evidence.ErrCorruptRecord), content)
	}
}

func TestRegistry_List(t *testing.T) {
	fs, r := setup(t)
	second := register(t, r, "CASE-2", t0.Add(time.Hour))
	first := register(t, r, "CASE-1", t0)

	require.NoError(t, fs.MkdirAll("/evidence/unrelated", 0750))
	broken, err := r.Allocate("CASE-3", t0)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(broken.Dir, RecordName), []byte("{}"), 0640))

	submissions, err := r.List()
	require.NoError(t, err)
	require.Len(t, submissions, 2)
	assert.Equal(t, first.ID, submissions[0].ID)
	assert.Equal(t, second.ID, submissions[1].ID)
}

func TestRegistry_Discard(t *testing.T) {
	fs, r := setup(t)
	alloc, err := r.Allocate("CASE-1", t0)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(alloc.Dir, "partial.img"), []byte("x"), 0640))

	require.NoError(t, r.Discard(alloc))
	exists, err := afero.Exists(fs, alloc.Dir)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, r.Discard(&Allocation{ID: alloc.ID, Dir: "/"}))
}

func TestRegistry_ClaimComplete(t *testing.T) {
	_, r := setup(t)
	submission := register(t, r, "CASE-1", t0)

	claimed, err := r.Claim(submission.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, evidence.StateDispatching, claimed.Dispatch.State)
	assert.Equal(t, "disk-analysis", claimed.Dispatch.JobType)
	assert.Equal(t, 1, claimed.Dispatch.Attempts)

	_, err = r.Claim(submission.ID, t0.Add(time.Second))
	assert.True(t, errors.Is(err, evidence.ErrDispatchInProgress))

	failed, err := r.Complete(submission.ID, 1, false, "status 500", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, evidence.StateFailed, failed.Dispatch.State)
	assert.Equal(t, "status 500", failed.Dispatch.Message)

	retry, err := r.Claim(submission.ID, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Dispatch.Attempts)

	done, err := r.Complete(submission.ID, 2, true, "", t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, evidence.StateDispatched, done.Dispatch.State)

	current, err := r.Claim(submission.ID, t0.Add(4*time.Second))
	assert.True(t, errors.Is(err, evidence.ErrAlreadyDispatched))
	assert.Equal(t, evidence.StateDispatched, current.Dispatch.State)

	got, err := r.Lookup(submission.ID)
	require.NoError(t, err)
	assert.True(t, submission.SameContent(got))
	assert.Equal(t, evidence.StateDispatched, got.Dispatch.State)
}

func TestRegistry_ReclaimAfterLease(t *testing.T) {
	_, r := setup(t)
	submission := register(t, r, "CASE-1", t0)

	_, err := r.Claim(submission.ID, t0)
	require.NoError(t, err)

	reclaimed, err := r.Claim(submission.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.Dispatch.Attempts)

	_, err = r.Complete(submission.ID, 1, true, "", t0.Add(time.Minute))
	assert.True(t, errors.Is(err, evidence.ErrDispatchInProgress))

	_, err = r.Complete(submission.ID, 2, true, "", t0.Add(time.Minute))
	assert.NoError(t, err)
}

func TestRegistry_ConcurrentClaim(t *testing.T) {
	_, r := setup(t)
	submission := register(t, r, "CASE-1", t0)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Claim(submission.ID, t0)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
			continue
		}
		assert.True(t, errors.Is(err, evidence.ErrDispatchInProgress), err)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 0, r.locks.len())
}

func TestRegistry_ClaimAcrossRegistries(t *testing.T) {
	dir, err := ioutil.TempDir("", "evidenceintake")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	fs := afero.NewOsFs()
	for round := 0; round < 20; round++ {
		first, err := New(fs, dir, time.Minute, nil)
		require.NoError(t, err)
		second, err := New(fs, dir, time.Minute, nil)
		require.NoError(t, err)
		submission := register(t, first, fmt.Sprintf("CASE-%d", round), t0)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for _, r := range []*Registry{first, second} {
			wg.Add(1)
			go func(r *Registry) {
				defer wg.Done()
				_, err := r.Claim(submission.ID, t0)
				results <- err
			}(r)
		}
		wg.Wait()
		close(results)

		won := 0
		for err := range results {
			if err == nil {
				won++
				continue
			}
			assert.True(t, errors.Is(err, evidence.ErrDispatchInProgress), err)
		}
		assert.Equal(t, 1, won, "round %d", round)
	}
}

func TestRegistry_CompleteTakenOver(t *testing.T) {
	fs, first := setup(t)
	second, err := New(fs, "/evidence", time.Minute, nil)
	require.NoError(t, err)
	submission := register(t, first, "CASE-1", t0)

	_, err = first.Claim(submission.ID, t0)
	require.NoError(t, err)

	// the second registry takes over after the lease and dispatches
	taken, err := second.Claim(submission.ID, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, taken.Dispatch.Attempts)

	_, err = first.Complete(submission.ID, 1, true, "", t0.Add(2*time.Minute))
	assert.True(t, errors.Is(err, evidence.ErrDispatchInProgress))

	done, err := second.Complete(submission.ID, 2, true, "", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, evidence.StateDispatched, done.Dispatch.State)
}

func TestRegistry_ClaimWithoutRecord(t *testing.T) {
	fs, r := setup(t)
	submission := register(t, r, "CASE-1", t0)
	dir := filepath.Dir(submission.StoredPath)

	// a claim file whose record update never happened
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "dispatch.1.lock"), []byte(t0.Format(time.RFC3339Nano)), 0640))

	_, err := r.Claim(submission.ID, t0.Add(time.Second))
	assert.True(t, errors.Is(err, evidence.ErrDispatchInProgress))

	claimed, err := r.Claim(submission.ID, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Dispatch.Attempts)
	assert.Equal(t, evidence.StateDispatching, claimed.Dispatch.State)

	// a later claim exists, the outcome of attempt 2 must not be written
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "dispatch.3.lock"), []byte(t0.Format(time.RFC3339Nano)), 0640))
	_, err = r.Complete(submission.ID, 2, true, "", t0.Add(3*time.Minute))
	assert.True(t, errors.Is(err, evidence.ErrDispatchInProgress))
}
