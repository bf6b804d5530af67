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

package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// NDJSON writes each batch into its own newline delimited JSON file
// <dir>/<tool>/<tool>_<case>_<unix time>.json, optionally zstd compressed.
type NDJSON struct {
	fs       afero.Fs
	dir      string
	compress bool
	logger   *zap.Logger
}

// NewNDJSON creates an NDJSON sink writing below dir.
func NewNDJSON(fs afero.Fs, dir string, compress bool, logger *zap.Logger) *NDJSON {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NDJSON{fs: fs, dir: dir, compress: compress, logger: logger}
}

// Write stores batch in a new file. Existing files are never appended to;
// a name collision gets a numeric suffix.
func (s *NDJSON) Write(_ context.Context, batch *Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}

	name := fmt.Sprintf("%s_%s_%d.json", batch.Tool, evidence.SanitizeFilename(batch.CaseID), batch.CreatedAt.Unix())
	if s.compress {
		name += ".zst"
	}
	path, file, err := s.create(filepath.Join(s.dir, batch.Tool, name))
	if err != nil {
		return errors.Wrap(err, "could not create event file")
	}

	if err := s.encode(file, batch.Events); err != nil {
		file.Close() // nolint:errcheck
		_ = s.fs.Remove(path)
		return errors.Wrapf(err, "could not write %s", path)
	}
	if err := file.Close(); err != nil {
		return err
	}

	s.logger.Info("wrote events", zap.String("path", path), zap.Int("events", len(batch.Events)))
	return nil
}

func (s *NDJSON) encode(file afero.File, events []*evidence.EnrichedEvent) error {
	var w io.Writer = file
	var zw *zstd.Encoder
	if s.compress {
		var err error
		zw, err = zstd.NewWriter(file)
		if err != nil {
			return err
		}
		w = zw
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return file.Sync()
}

// create makes a new file at filePath or, if that exists, at the first free
// filePath with a _<n> suffix.
func (s *NDJSON) create(filePath string) (string, afero.File, error) {
	if err := s.fs.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return "", nil, err
	}

	ext := filepath.Ext(filePath)
	if strings.HasSuffix(filePath, ".json.zst") {
		ext = ".json.zst"
	}
	base := filePath[:len(filePath)-len(ext)]

	path := filePath
	for i := 0; ; i++ {
		file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
		if err == nil {
			return path, file, nil
		}
		exists, existsErr := afero.Exists(s.fs, path)
		if existsErr != nil || !exists {
			return "", nil, err
		}
		path = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

// Close is a no-op; every Write closes its file.
func (s *NDJSON) Close() error {
	return nil
}

// ReadNDJSON reads an event file written by NDJSON.
func ReadNDJSON(fs afero.Fs, path string) ([]*evidence.EnrichedEvent, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	events := []*evidence.EnrichedEvent{}
	dec := json.NewDecoder(r)
	for {
		e := &evidence.EnrichedEvent{}
		if err := dec.Decode(e); err == io.EOF {
			return events, nil
		} else if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
}
