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
	"io/ioutil"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicanalysis/evidenceintake/enrich"
	"github.com/forensicanalysis/evidenceintake/evidence"
)

const (
	helloMD5    = "5d41402abc4b2a76b9719d911017c592"
	helloSHA1   = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
	helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
)

var testTime = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

type job struct {
	name   string
	params map[string]string
}

type fakePlatform struct {
	mu      sync.Mutex
	status  int
	err     error
	pingErr error
	jobs    []job
}

func (p *fakePlatform) Trigger(_ context.Context, name string, params map[string]string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job{name, params})
	return p.status, p.err
}

func (p *fakePlatform) Ping(context.Context) error {
	return p.pingErr
}

type fakeSource struct {
	indicators map[string]evidence.Indicator
	err        error
}

func (s *fakeSource) Lookup(_ context.Context, value string, _ evidence.IndicatorType) ([]evidence.Indicator, error) {
	if s.err != nil {
		return nil, s.err
	}
	if indicator, ok := s.indicators[value]; ok {
		return []evidence.Indicator{indicator}, nil
	}
	return nil, nil
}

type fakeEscalator struct {
	escalations []*enrich.Escalation
}

func (e *fakeEscalator) Escalate(_ context.Context, escalation *enrich.Escalation) error {
	e.escalations = append(e.escalations, escalation)
	return nil
}

func testConfig() Config {
	config := DefaultConfig()
	config.Storage.EvidenceDir = "/evidence"
	config.Storage.ProcessedDir = "/processed"
	return config
}

func newTestOrchestrator(t *testing.T, fs afero.Fs, config Config, options ...Option) *Orchestrator {
	options = append([]Option{WithClock(func() time.Time { return testTime })}, options...)
	o, err := New(fs, config, options...)
	require.NoError(t, err)
	return o
}

func memoryRequest() Request {
	return Request{
		Fields: evidence.Fields{
			CaseID:       "CASE-1",
			Category:     "memory",
			Investigator: "alice",
			Description:  "workstation memory",
			Priority:     "urgent",
			Filename:     "memory dump.dmp",
		},
		Size: 5,
	}
}

func TestSubmit(t *testing.T) {
	fs := afero.NewMemMapFs()
	platform := &fakePlatform{status: 201}
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(platform))

	receipt, err := o.Submit(context.Background(), memoryRequest(), strings.NewReader("hello"))
	require.NoError(t, err)

	assert.Equal(t, evidence.StateDispatched, receipt.DispatchState)
	assert.Equal(t, "memory-analysis", receipt.JobType)
	assert.Equal(t, 1, receipt.Attempts)
	assert.Equal(t, int64(5), receipt.SizeBytes)
	assert.Equal(t, map[string]string{"md5": helloMD5, "sha1": helloSHA1, "sha256": helloSHA256}, receipt.Digests)
	assert.True(t, strings.HasPrefix(receipt.StoredPath, "/evidence/CASE-1_20240301_123045_"+receipt.SubmissionID))
	assert.True(t, strings.HasSuffix(receipt.StoredPath, "/memory_dump.dmp"))

	b, err := afero.ReadFile(fs, receipt.StoredPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	require.Len(t, platform.jobs, 1)
	assert.Equal(t, "memory-analysis", platform.jobs[0].name)
	assert.Equal(t, receipt.SubmissionID, platform.jobs[0].params["SUBMISSION_ID"])
	assert.Equal(t, "CASE-1", platform.jobs[0].params["CASE_ID"])
	assert.Equal(t, receipt.StoredPath, platform.jobs[0].params["STORED_PATH"])
	assert.Equal(t, "alice", platform.jobs[0].params["INVESTIGATOR"])
	assert.Equal(t, "urgent", platform.jobs[0].params["PRIORITY"])
	assert.Equal(t, "true", platform.jobs[0].params["URGENT"])

	submission, err := o.Lookup(receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "memory dump.dmp", submission.OriginalName)
	assert.Equal(t, evidence.Memory, submission.Category)
	assert.Equal(t, testTime, submission.CreatedAt)
	assert.Equal(t, evidence.StateDispatched, submission.Dispatch.State)

	flaws, err := o.Verify(receipt.SubmissionID)
	require.NoError(t, err)
	assert.Empty(t, flaws)
}

func TestSubmit_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(r *Request)
		content string
		wantErr error
	}{
		{"invalid category", func(r *Request) { r.Category = "network" }, "hello", evidence.ErrInvalidCategory},
		{"disallowed extension", func(r *Request) { r.Filename = "notes.txt" }, "hello", evidence.ErrDisallowedExtension},
		{"missing investigator", func(r *Request) { r.Investigator = " " }, "hello", evidence.ErrInvalidField},
		{"missing description", func(r *Request) { r.Description = "" }, "hello", evidence.ErrInvalidField},
		{"invalid priority", func(r *Request) { r.Priority = "asap" }, "hello", evidence.ErrInvalidField},
		{"declared too large", func(r *Request) { r.Size = 11 }, "hello", evidence.ErrPayloadTooLarge},
		{"streamed too large", func(r *Request) { r.Size = -1 }, "hello world", evidence.ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			platform := &fakePlatform{status: 201}
			config := testConfig()
			config.Storage.MaxSize = 10
			o := newTestOrchestrator(t, fs, config, WithPlatform(platform))

			req := memoryRequest()
			tt.modify(&req)
			receipt, err := o.Submit(context.Background(), req, strings.NewReader(tt.content))
			assert.Nil(t, receipt)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			entries, err := afero.ReadDir(fs, "/evidence")
			require.NoError(t, err)
			assert.Empty(t, entries)
			assert.Empty(t, platform.jobs)
		})
	}
}

func TestSubmit_Redispatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	platform := &fakePlatform{status: 500}
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(platform))

	receipt, err := o.Submit(context.Background(), memoryRequest(), strings.NewReader("hello"))
	assert.True(t, errors.Is(err, evidence.ErrDispatchFailure))
	require.NotNil(t, receipt)
	assert.Equal(t, evidence.StateFailed, receipt.DispatchState)
	assert.Equal(t, "job trigger failed: status 500", receipt.Message)
	assert.Equal(t, helloSHA256, receipt.Digests["sha256"])

	exists, err := afero.Exists(fs, receipt.StoredPath)
	require.NoError(t, err)
	assert.True(t, exists)

	platform.status = 200
	again, err := o.Redispatch(context.Background(), receipt.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, receipt.SubmissionID, again.SubmissionID)
	assert.Equal(t, evidence.StateDispatched, again.DispatchState)
	assert.Equal(t, 2, again.Attempts)

	_, err = o.Redispatch(context.Background(), receipt.SubmissionID)
	assert.True(t, errors.Is(err, evidence.ErrAlreadyDispatched))
	assert.Len(t, platform.jobs, 2)
	for _, j := range platform.jobs {
		assert.Equal(t, receipt.SubmissionID, j.params["SUBMISSION_ID"])
	}

	_, err = o.Redispatch(context.Background(), "9a1f0d3c-1f6e-4c6b-9d7e-2b4a5c6d7e8f")
	assert.True(t, errors.Is(err, evidence.ErrNotFound))
}

func TestSubmit_Concurrent(t *testing.T) {
	fs := afero.NewMemMapFs()
	platform := &fakePlatform{status: 201}
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(platform))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipt, err := o.Submit(context.Background(), memoryRequest(), strings.NewReader("hello"))
			if assert.NoError(t, err) {
				ids[i] = receipt.SubmissionID
			}
		}(i)
	}
	wg.Wait()

	submissions, err := o.List()
	require.NoError(t, err)
	assert.Len(t, submissions, len(ids))
	assert.Len(t, platform.jobs, len(ids))
}

func TestVerify_Tampered(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(&fakePlatform{status: 201}))

	receipt, err := o.Submit(context.Background(), memoryRequest(), strings.NewReader("hello"))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, receipt.StoredPath, []byte("hellO"), 0640))

	flaws, err := o.Verify(receipt.SubmissionID)
	require.NoError(t, err)
	assert.Len(t, flaws, 3)
}

func writeVolatilityOutput(t *testing.T, fs afero.Fs) {
	processes := "Offset Name PID PPID Thds Hnds\n" +
		"------ ---- --- ---- ---- ----\n" +
		"* explorer.exe 1200 800 10 300\n" +
		"broken line\n"
	connections := "Proto Local Remote State\n" +
		"----- ----- ------ -----\n" +
		"TCP 10.0.0.5:49152 203.0.113.7:443 ESTABLISHED\n"
	require.NoError(t, afero.WriteFile(fs, "/out/processes.txt", []byte(processes), 0640))
	require.NoError(t, afero.WriteFile(fs, "/out/network_connections.txt", []byte(connections), 0640))
}

func TestProcess(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeVolatilityOutput(t, fs)

	source := &fakeSource{indicators: map[string]evidence.Indicator{
		"203.0.113.7": {ID: "7", Type: "ip-dst", Value: "203.0.113.7"},
	}}
	escalator := &fakeEscalator{}
	config := testConfig()
	config.Intel.EscalationThreshold = 4
	o := newTestOrchestrator(t, fs, config,
		WithPlatform(&fakePlatform{status: 201}),
		WithIndicatorSource(source),
		WithEscalator(escalator),
	)

	report, err := o.Process(context.Background(), ToolOutput{Tool: "volatility", Dir: "/out", CaseID: "CASE-1", EvidenceHash: "abc"})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Events)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, 4, report.Skipped[0].Line)
	assert.Equal(t, 0, report.EnrichmentSkipped)
	assert.Equal(t, 5, report.MaxThreatScore)
	assert.Equal(t, 1, report.Escalated)

	require.Len(t, escalator.escalations, 1)
	assert.Equal(t, report.EscalationID, escalator.escalations[0].ID)
	assert.Equal(t, "CASE-1", escalator.escalations[0].CaseID)

	path := "/processed/volatility/volatility_CASE-1_" + "1709296245" + ".json"
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "\n"))
	assert.Contains(t, string(b), `"process_name":"explorer.exe"`)
}

func TestProcess_NoIndicatorSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeVolatilityOutput(t, fs)
	escalator := &fakeEscalator{}
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(&fakePlatform{status: 201}), WithEscalator(escalator))

	report, err := o.Process(context.Background(), ToolOutput{Tool: "volatility", Dir: "/out", CaseID: "CASE-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.EnrichmentSkipped)
	assert.Equal(t, 1, report.MaxThreatScore)
	assert.Empty(t, report.EscalationID)
	assert.Empty(t, escalator.escalations)
}

func TestProcess_SourceDown(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeVolatilityOutput(t, fs)
	source := &fakeSource{err: enrich.Permanent(errors.New("401 unauthorized"))}
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(&fakePlatform{status: 201}), WithIndicatorSource(source))

	report, err := o.Process(context.Background(), ToolOutput{Tool: "volatility", Dir: "/out", CaseID: "CASE-1"})
	assert.True(t, errors.Is(err, evidence.ErrEnrichmentUnavailable))
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Events)
	assert.Equal(t, 1, report.EnrichmentSkipped)
}

func TestProcess_FromSubmission(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeVolatilityOutput(t, fs)
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(&fakePlatform{status: 201}))

	receipt, err := o.Submit(context.Background(), memoryRequest(), strings.NewReader("hello"))
	require.NoError(t, err)

	report, err := o.Process(context.Background(), ToolOutput{Dir: "/out", SubmissionID: receipt.SubmissionID})
	require.NoError(t, err)
	assert.Equal(t, "volatility", report.Tool)
	assert.Equal(t, "CASE-1", report.CaseID)
	assert.Equal(t, helloSHA256, report.EvidenceHash)

	_, err = o.Process(context.Background(), ToolOutput{Dir: "/out"})
	assert.True(t, errors.Is(err, evidence.ErrInvalidField))

	_, err = o.Process(context.Background(), ToolOutput{Tool: "volatility", Dir: "/missing"})
	assert.True(t, errors.Is(err, evidence.ErrNotFound))
}

func TestStatus(t *testing.T) {
	fs := afero.NewMemMapFs()
	platform := &fakePlatform{status: 500, pingErr: errors.New("connection refused")}
	o := newTestOrchestrator(t, fs, testConfig(), WithPlatform(platform), WithIndicatorSource(&fakeSource{}))

	_, err := o.Submit(context.Background(), memoryRequest(), strings.NewReader("hello"))
	require.Error(t, err)

	status, err := o.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ServiceStatus{
		{Name: "intel", Message: "no health check"},
		{Name: "platform", Message: "connection refused"},
	}, status.Services)
	assert.Equal(t, map[evidence.DispatchState]int{evidence.StateFailed: 1}, status.Submissions)
}

func TestLoadConfig(t *testing.T) {
	f, err := ioutil.TempFile("", "intake*.yml")
	require.NoError(t, err)
	defer os.Remove(f.Name()) // nolint:errcheck
	_, err = f.WriteString("storage:\n  evidence_dir: /data/evidence\nplatform:\n  timeout: 10s\n  token: file-token\nintel:\n  url: https://misp.local\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Setenv(EnvPlatformToken, "env-token")

	config, err := LoadConfig(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "/data/evidence", config.Storage.EvidenceDir)
	assert.Equal(t, "processed", config.Storage.ProcessedDir)
	assert.Equal(t, int64(50<<30), config.Storage.MaxSize)
	assert.Equal(t, 10*time.Second, config.Platform.Timeout)
	assert.Equal(t, 20*time.Second, config.Storage.DispatchLease)
	assert.Equal(t, "env-token", config.Platform.Token)
	assert.Equal(t, "forensics-", config.Platform.JobPrefix)
	assert.Equal(t, "https://misp.local", config.Intel.URL)
	assert.Equal(t, 5, config.Intel.EscalationThreshold)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Encoding: "json"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
