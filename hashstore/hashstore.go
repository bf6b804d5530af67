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

// Package hashstore writes evidence streams to storage while computing
// their digests in the same pass.
package hashstore

import (
	"crypto/md5"  // #nosec
	"crypto/sha1" // #nosec
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// DefaultChunkSize is used when Config.ChunkSize is not set.
const DefaultChunkSize = 64 * 1024

// Supported digest algorithms. MD5 and SHA1 are kept for integrity checks
// with legacy tooling, SHA256 identifies evidence.
const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
)

var algorithms = map[string]func() hash.Hash{
	MD5:    md5.New,  // #nosec
	SHA1:   sha1.New, // #nosec
	SHA256: sha256.New,
}

// Algorithms returns the names of all computed digests.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config configures a Store.
type Config struct {
	// MaxSize is the largest accepted stream in bytes. Zero disables the
	// ceiling.
	MaxSize   int64
	ChunkSize int
}

// Store streams evidence into files of an afero.Fs.
type Store struct {
	fs     afero.Fs
	config Config
	logger *zap.Logger
}

// Result describes a stored stream.
type Result struct {
	Path    string
	Size    int64
	Digests map[string]string
}

// New creates a Store on fs.
func New(fs afero.Fs, config Config, logger *zap.Logger) *Store {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{fs: fs, config: config, logger: logger}
}

// CheckSize fails with ErrPayloadTooLarge if a stream of the declared size
// would exceed the ceiling. Unknown sizes (negative) pass.
func (s *Store) CheckSize(declared int64) error {
	if s.config.MaxSize > 0 && declared > s.config.MaxSize {
		return errors.Wrapf(evidence.ErrPayloadTooLarge, "%d bytes exceeds limit of %d bytes", declared, s.config.MaxSize)
	}
	return nil
}

// Store copies r into the new file dest and returns its size and digests.
// dest must not exist. If the copy fails for any reason the partial file is
// removed.
func (s *Store) Store(r io.Reader, dest string) (result *Result, err error) {
	if err := s.fs.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}

	file, err := s.fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = file.Close()
		if rmErr := s.fs.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Error("could not remove partial evidence file", zap.String("path", dest), zap.Error(rmErr))
		}
	}()

	hashes := map[string]hash.Hash{}
	writers := []io.Writer{file}
	for name, newHash := range algorithms {
		h := newHash()
		hashes[name] = h
		writers = append(writers, h)
	}
	w := io.MultiWriter(writers...)

	var size int64
	buf := make([]byte, s.config.ChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			size += int64(n)
			if s.config.MaxSize > 0 && size > s.config.MaxSize {
				return nil, errors.Wrapf(evidence.ErrPayloadTooLarge, "stream exceeds limit of %d bytes", s.config.MaxSize)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.Wrap(evidence.ErrStorageFailure, fmt.Sprintf("read: %s", readErr))
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	if err := file.Close(); err != nil {
		return nil, errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	committed = true

	digests := make(map[string]string, len(hashes))
	for name, h := range hashes {
		digests[name] = fmt.Sprintf("%x", h.Sum(nil))
	}

	s.logger.Debug("stored evidence", zap.String("path", dest), zap.Int64("size", size))
	return &Result{Path: dest, Size: size, Digests: digests}, nil
}

// Verify recomputes the digests and size of a stored file and returns all
// deviations from the recorded values.
func (s *Store) Verify(path string, size int64, digests map[string]string) (flaws []string, err error) {
	flaws = []string{}

	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return append(flaws, fmt.Sprintf("missing file %s", path)), nil
	}

	fi, err := s.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() != size {
		flaws = append(flaws, fmt.Sprintf("wrong size for %s (is %d, expected %d)", path, fi.Size(), size))
	}

	hashes := map[string]hash.Hash{}
	var writers []io.Writer
	for algorithm := range digests {
		newHash, ok := algorithms[algorithm]
		if !ok {
			flaws = append(flaws, fmt.Sprintf("unsupported hash %s for %s", algorithm, path))
			continue
		}
		h := newHash()
		hashes[algorithm] = h
		writers = append(writers, h)
	}
	if len(writers) == 0 {
		return flaws, nil
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	_, err = io.CopyBuffer(io.MultiWriter(writers...), f, make([]byte, s.config.ChunkSize))
	f.Close() // nolint:errcheck
	if err != nil {
		return nil, err
	}

	for _, algorithm := range Algorithms() {
		h, ok := hashes[algorithm]
		if !ok {
			continue
		}
		if fmt.Sprintf("%x", h.Sum(nil)) != digests[algorithm] {
			flaws = append(flaws, fmt.Sprintf("hashvalue mismatch %s for %s", algorithm, path))
		}
	}
	return flaws, nil
}
