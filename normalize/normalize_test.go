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

package normalize

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

var origin = evidence.Origin{CaseID: "CASE-1", EvidenceHash: "abc123"}

func writeFiles(t *testing.T, files map[string]string) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0750))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, "/out/"+name, []byte(content), 0640))
	}
	return fs
}

type tuple struct {
	seq      int
	category string
	fields   map[string]interface{}
}

func tuples(events []*evidence.Event) []tuple {
	var ts []tuple
	for _, e := range events {
		ts = append(ts, tuple{e.SequenceNumber, e.SourceCategory, e.Fields})
	}
	return ts
}

func TestDisk_Timeline(t *testing.T) {
	fs := writeFiles(t, map[string]string{
		"timeline.csv": "0,120,m,rwx,0,0,55,/tmp/a\n" +
			"1700000000,4096,macb,r--,1000,1000,12-128-3,/home/user/report, final.docx\n" +
			"\n" +
			"1,2,3\n" +
			"1700000001,10,a,rw-,0,0,7,/etc/hosts\r\n",
	})

	result, err := NewDisk(fs, nil).Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)
	require.Len(t, result.Events, 3)

	first := result.Events[0]
	assert.Nil(t, first.Fields["timestamp"])
	assert.Equal(t, "120", first.Fields["file_size"])
	assert.Equal(t, "/tmp/a", first.Fields["file_path"])
	assert.Equal(t, 1, first.SequenceNumber)
	assert.Equal(t, evidence.SourceTimeline, first.SourceCategory)
	assert.Equal(t, DiskTool, first.SourceTool)
	assert.Equal(t, "CASE-1", first.CaseID)
	assert.Equal(t, "abc123", first.EvidenceHash)

	assert.Equal(t, "1700000000", result.Events[1].Fields["timestamp"])
	assert.Equal(t, "/home/user/report, final.docx", result.Events[1].Fields["file_path"])
	assert.Equal(t, 5, result.Events[2].SequenceNumber)
	assert.Equal(t, "/etc/hosts", result.Events[2].Fields["file_path"])

	assert.Equal(t, []Skipped{{File: "timeline.csv", Line: 4, Reason: "3 fields, need 8"}}, result.Skipped)
	assert.True(t, errors.Is(result.Skipped[0].Error(), evidence.ErrMalformedRecord))
	assert.Equal(t, map[string]int{"timeline.csv": 3}, result.Files)
}

func TestDisk_FileListing(t *testing.T) {
	fs := writeFiles(t, map[string]string{
		"timeline.csv":     "0,1,m,r,0,0,1,/a\n",
		"file_listing.txt": "/bin/ls\n\n  /usr/bin/with space  \n",
	})

	result, err := NewDisk(fs, nil).Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)
	require.Len(t, result.Events, 3)

	assert.Equal(t, evidence.SourceTimeline, result.Events[0].SourceCategory)
	assert.Equal(t, tuple{1, evidence.SourceFileListing, map[string]interface{}{"file_path": "/bin/ls"}}, tuples(result.Events)[1])
	assert.Equal(t, tuple{3, evidence.SourceFileListing, map[string]interface{}{"file_path": "/usr/bin/with space"}}, tuples(result.Events)[2])
	assert.Equal(t, map[string]int{"timeline.csv": 1, "file_listing.txt": 2}, result.Files)
}

func TestMemory(t *testing.T) {
	fs := writeFiles(t, map[string]string{
		"processes.txt": "Offset Name PID PPID Thds Hnds\n" +
			"------ ---- --- ---- ---- ----\n" +
			"* explorer.exe 1200 800 10 300\n" +
			"0x1 svchost.exe 600 500\n" +
			"\n" +
			"0x2 lsass.exe 640 500 8 900 extra\n",
		"network_connections.txt": "Proto Local Foreign State\n" +
			"----- ----- ------- -----\n" +
			"TCP 10.0.0.5:49152 203.0.113.7:443 ESTABLISHED\n" +
			"UDP 0.0.0.0:53\n",
	})

	result, err := NewMemory(fs, nil).Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)
	require.Len(t, result.Events, 3)

	explorer := result.Events[0]
	assert.Equal(t, "explorer.exe", explorer.Fields["process_name"])
	assert.Equal(t, "1200", explorer.Fields["pid"])
	assert.Equal(t, "800", explorer.Fields["ppid"])
	assert.Equal(t, "10", explorer.Fields["threads"])
	assert.Equal(t, "300", explorer.Fields["handles"])
	assert.Equal(t, 3, explorer.SequenceNumber)
	assert.Equal(t, evidence.SourceProcessList, explorer.SourceCategory)

	assert.Equal(t, "lsass.exe", result.Events[1].Fields["process_name"])
	assert.Equal(t, 6, result.Events[1].SequenceNumber)

	conn := result.Events[2]
	assert.Equal(t, evidence.SourceNetworkConnections, conn.SourceCategory)
	assert.Equal(t, map[string]interface{}{
		"protocol":    "TCP",
		"local_addr":  "10.0.0.5:49152",
		"remote_addr": "203.0.113.7:443",
		"state":       "ESTABLISHED",
	}, conn.Fields)

	assert.Equal(t, []Skipped{
		{File: "processes.txt", Line: 4, Reason: "4 tokens, need 6"},
		{File: "network_connections.txt", Line: 4, Reason: "2 tokens, need 4"},
	}, result.Skipped)
}

func TestMemory_HeaderOnly(t *testing.T) {
	fs := writeFiles(t, map[string]string{"processes.txt": "a b c d e f\n- - - - - -"})

	result, err := NewMemory(fs, nil).Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, map[string]int{"processes.txt": 0}, result.Files)
}

func TestMobile(t *testing.T) {
	long := strings.Repeat("ä", PreviewLength+10)
	fs := writeFiles(t, map[string]string{
		"contacts.csv": "name,number\nalice,+100\n",
		"apps.txt":     long,
		"calls.csv":    "ok\xff\xfe",
	})

	result, err := NewMobile(fs, nil).Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)
	require.Len(t, result.Events, 3)

	contacts := result.Events[0]
	assert.Equal(t, evidence.SourceContacts, contacts.SourceCategory)
	assert.Equal(t, "name,number\nalice,+100\n", contacts.Fields["content"])
	assert.Equal(t, int64(23), contacts.Fields["file_size"])
	assert.Equal(t, "contacts.csv", contacts.Fields["file_name"])
	assert.Equal(t, 1, contacts.SequenceNumber)

	calls := result.Events[1]
	assert.Equal(t, evidence.SourceCalls, calls.SourceCategory)
	assert.Equal(t, "ok", calls.Fields["content"])
	assert.Equal(t, int64(4), calls.Fields["file_size"])

	apps := result.Events[2]
	assert.Equal(t, evidence.SourceApps, apps.SourceCategory)
	assert.Equal(t, strings.Repeat("ä", PreviewLength), apps.Fields["content"])
	assert.Equal(t, int64(len(long)), apps.Fields["file_size"])

	assert.NotContains(t, result.Files, "messages.csv")
}

func TestNormalize_Idempotent(t *testing.T) {
	fs := writeFiles(t, map[string]string{
		"timeline.csv":     "0,120,m,rwx,0,0,55,/tmp/a\nbroken\n1,2,m,r,0,0,3,/b\n",
		"file_listing.txt": "/x\n/y\n",
	})
	n := NewDisk(fs, nil)

	first, err := n.Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)
	second, err := n.Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)

	assert.Equal(t, tuples(first.Events), tuples(second.Events))
	assert.Equal(t, first.Skipped, second.Skipped)
	for i := range first.Events {
		assert.Equal(t, first.Events[i].Key(), second.Events[i].Key())
	}
}

func TestNormalize_MissingDir(t *testing.T) {
	_, err := NewDisk(afero.NewMemMapFs(), nil).Normalize(context.Background(), "/nope", origin)
	assert.True(t, errors.Is(err, evidence.ErrNotFound))
}

func TestNormalize_EmptyDir(t *testing.T) {
	fs := writeFiles(t, nil)
	result, err := NewMobile(fs, nil).Normalize(context.Background(), "/out", origin)
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.Empty(t, result.Files)
}

func TestNew(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, tool := range Tools() {
		n, err := New(tool, fs, nil)
		require.NoError(t, err)
		assert.Equal(t, tool, n.Tool())
	}
	_, err := New("encase", fs, nil)
	assert.True(t, errors.Is(err, evidence.ErrInvalidField))
}
