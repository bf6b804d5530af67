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
	"context"
	_ "embed" // metadata schema
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/qri-io/jsonschema"
	"github.com/spf13/afero"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// RecordName is the name of the metadata file inside a submission directory.
const RecordName = "metadata.json"

//go:embed metadata.schema.json
var metadataSchema []byte

func loadSchema() (*jsonschema.Schema, error) {
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(metadataSchema, schema); err != nil {
		return nil, errors.Wrap(err, "unmarshal metadata schema")
	}
	return schema, nil
}

func (r *Registry) validateRecord(record []byte) (flaws []string, err error) {
	errs, err := r.schema.ValidateBytes(context.Background(), record)
	if err != nil {
		return nil, err
	}
	for _, verr := range errs {
		flaws = append(flaws, fmt.Sprintf("failed to validate record: %s", verr))
	}
	return flaws, nil
}

func (r *Registry) readRecord(dir string) (*evidence.Submission, error) {
	b, err := afero.ReadFile(r.fs, filepath.Join(dir, RecordName))
	if err != nil {
		return nil, errors.Wrap(evidence.ErrCorruptRecord, err.Error())
	}

	flaws, err := r.validateRecord(b)
	if err != nil {
		return nil, errors.Wrap(evidence.ErrCorruptRecord, err.Error())
	}
	if len(flaws) > 0 {
		return nil, errors.Wrapf(evidence.ErrCorruptRecord, "%s [%s]", dir, strings.Join(flaws, ","))
	}

	submission := &evidence.Submission{}
	if err := json.Unmarshal(b, submission); err != nil {
		return nil, errors.Wrap(evidence.ErrCorruptRecord, err.Error())
	}
	return submission, nil
}

// writeRecord replaces the record in dir with submission. The record is
// written to a temporary file in the same directory, synced and renamed
// over the old one, so readers see either the old or the new record.
func (r *Registry) writeRecord(dir string, submission *evidence.Submission) error {
	b, err := json.MarshalIndent(submission, "", "  ")
	if err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}

	flaws, err := r.validateRecord(b)
	if err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	if len(flaws) > 0 {
		return errors.Wrapf(evidence.ErrInvalidField, "record could not be validated [%s]", strings.Join(flaws, ","))
	}

	tmp, err := afero.TempFile(r.fs, dir, "."+RecordName+".*.tmp")
	if err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = r.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	if err := r.fs.Rename(tmpName, filepath.Join(dir, RecordName)); err != nil {
		return errors.Wrap(evidence.ErrStorageFailure, err.Error())
	}
	committed = true
	return nil
}
