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

// Package normalize converts the raw output of forensic tools into
// normalized events. Each tool has a Normalizer that knows the files the
// tool writes and how to parse them. Malformed records never abort a run:
// they are returned as Skipped records next to the parsed events.
package normalize

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// Record is the outcome of parsing one record of a tool output: either
// Parsed or Skipped.
type Record interface {
	record()
}

// Parsed is a record that yielded an event.
type Parsed struct {
	Event *evidence.Event
}

// Skipped is a malformed record.
type Skipped struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (Parsed) record()  {}
func (Skipped) record() {}

// Error returns the skip reason as an evidence.ErrMalformedRecord.
func (s Skipped) Error() error {
	return errors.Wrapf(evidence.ErrMalformedRecord, "%s:%d: %s", s.File, s.Line, s.Reason)
}

// Result holds everything parsed from one tool output directory.
type Result struct {
	Tool    string
	Events  []*evidence.Event
	Skipped []Skipped
	// Files maps every file that was found to the number of events parsed
	// from it.
	Files map[string]int
}

// Normalizer parses the output directory of one tool.
type Normalizer interface {
	Tool() string
	Normalize(ctx context.Context, dir string, origin evidence.Origin) (*Result, error)
}

// parseFunc turns one file into records. Sequence numbers are positions in
// that file.
type parseFunc func(r io.Reader, file string, origin evidence.Origin) ([]Record, error)

type source struct {
	file  string
	parse parseFunc
}

// fileNormalizer parses a fixed list of files concurrently and merges the
// results in list order.
type fileNormalizer struct {
	fs      afero.Fs
	tool    string
	sources []source
	logger  *zap.Logger
}

func newFileNormalizer(fs afero.Fs, tool string, logger *zap.Logger, sources ...source) *fileNormalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fileNormalizer{fs: fs, tool: tool, sources: sources, logger: logger}
}

// Tools returns the names of all supported tools.
func Tools() []string {
	return []string{MobileTool, DiskTool, MemoryTool}
}

// New returns the normalizer for a tool.
func New(tool string, fs afero.Fs, logger *zap.Logger) (Normalizer, error) {
	switch strings.ToLower(tool) {
	case MobileTool:
		return NewMobile(fs, logger), nil
	case DiskTool:
		return NewDisk(fs, logger), nil
	case MemoryTool:
		return NewMemory(fs, logger), nil
	}
	return nil, errors.Wrapf(evidence.ErrInvalidField, "unknown tool %q (supported: %s)", tool, strings.Join(Tools(), ", "))
}

func (n *fileNormalizer) Tool() string {
	return n.tool
}

func (n *fileNormalizer) Normalize(ctx context.Context, dir string, origin evidence.Origin) (*Result, error) {
	isDir, err := afero.IsDir(n.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(evidence.ErrNotFound, "output directory %s", dir)
		}
		return nil, err
	}
	if !isDir {
		return nil, errors.Errorf("%s is not a directory", dir)
	}

	type outcome struct {
		found   bool
		records []Record
		err     error
	}
	outcomes := make([]outcome, len(n.sources))

	var wg sync.WaitGroup
	for i, src := range n.sources {
		wg.Add(1)
		go func(i int, src source) {
			defer wg.Done()
			if ctx.Err() != nil {
				outcomes[i].err = ctx.Err()
				return
			}
			found, records, err := n.parseFile(filepath.Join(dir, src.file), src, origin)
			outcomes[i] = outcome{found: found, records: records, err: err}
		}(i, src)
	}
	wg.Wait()

	result := &Result{Tool: n.tool, Events: []*evidence.Event{}, Skipped: []Skipped{}, Files: map[string]int{}}
	for i, o := range outcomes {
		if o.err != nil {
			return nil, errors.Wrapf(o.err, "%s: %s", n.tool, n.sources[i].file)
		}
		if !o.found {
			continue
		}
		result.Files[n.sources[i].file] = 0
		for _, rec := range o.records {
			switch rec := rec.(type) {
			case Parsed:
				result.Events = append(result.Events, rec.Event)
				result.Files[n.sources[i].file]++
			case Skipped:
				result.Skipped = append(result.Skipped, rec)
			}
		}
	}

	n.logger.Info("normalized tool output",
		zap.String("tool", n.tool),
		zap.String("dir", dir),
		zap.Int("events", len(result.Events)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Strings("files", fileNames(result.Files)),
	)
	return result, nil
}

func (n *fileNormalizer) parseFile(path string, src source, origin evidence.Origin) (bool, []Record, error) {
	f, err := n.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	defer f.Close()

	records, err := src.parse(f, src.file, origin)
	return true, records, err
}

func fileNames(files map[string]int) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// eachLine calls fn for every line of r with its 1-based line number. Line
// endings are stripped; lines may be of any length.
func eachLine(r io.Reader, fn func(number int, line string)) error {
	br := bufio.NewReader(r)
	number := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			number++
			fn(number, strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
