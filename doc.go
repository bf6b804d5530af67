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

// Package evidenceintake ingests digital forensic evidence and normalizes
// the output of forensic tools into one event schema.
//
// Intake
//
// A submission is validated, streamed to storage while its md5, sha1 and
// sha256 digests are computed, recorded in a metadata file and routed to
// the analysis job of its category. The job of a submission is triggered at
// most once successfully; a failed dispatch leaves the stored evidence in
// place for a later Redispatch.
//
// An example directory structure of the evidence store:
//     evidence/
//     ├── CASE-42_20240301_123045_5f0c...e1/
//     │   ├── memory.dmp
//     │   └── metadata.json
//     └── ...
//
// Normalization
//
// The output directories of autopsy, volatility and andriller are parsed
// into events, scored against an indicator source and written to the
// configured sinks. Events are identified by evidence hash, source category
// and sequence number, so processing the same output twice yields the same
// events.
package evidenceintake
