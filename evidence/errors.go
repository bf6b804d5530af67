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
	"github.com/pkg/errors"
)

// Intake errors. Validation errors abort a submission before anything is
// written; ErrDispatchFailure leaves the stored submission in place.
var (
	ErrInvalidCategory     = errors.New("invalid category")
	ErrDisallowedExtension = errors.New("disallowed extension")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrInvalidField        = errors.New("invalid field")
	ErrStorageFailure      = errors.New("storage failure")
	ErrUnroutableCategory  = errors.New("unroutable category")
	ErrDispatchFailure     = errors.New("dispatch failure")
	ErrAlreadyDispatched   = errors.New("already dispatched")
	ErrDispatchInProgress  = errors.New("dispatch in progress")
	ErrNotFound            = errors.New("not found")
	ErrCorruptRecord       = errors.New("corrupt record")
)

// Per-record and per-event errors. These are recovered locally and only
// counted.
var (
	ErrMalformedRecord       = errors.New("malformed record")
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidCategory, "InvalidCategory"},
	{ErrDisallowedExtension, "DisallowedExtension"},
	{ErrPayloadTooLarge, "PayloadTooLarge"},
	{ErrInvalidField, "InvalidField"},
	{ErrStorageFailure, "StorageFailure"},
	{ErrUnroutableCategory, "UnroutableCategory"},
	{ErrDispatchFailure, "DispatchFailure"},
	{ErrAlreadyDispatched, "AlreadyDispatched"},
	{ErrDispatchInProgress, "DispatchInProgress"},
	{ErrNotFound, "NotFound"},
	{ErrCorruptRecord, "CorruptRecord"},
	{ErrMalformedRecord, "MalformedRecord"},
	{ErrEnrichmentUnavailable, "EnrichmentUnavailable"},
}

// KindOf returns the name of the error kind err wraps, or "Internal" for
// errors outside the taxonomy.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// IsValidation reports whether err rejected a submission before any write.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrDisallowedExtension) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrInvalidField)
}
