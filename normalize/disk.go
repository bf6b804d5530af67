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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// DiskTool is the name of the disk timeline tool.
const DiskTool = "autopsy"

const timelineFields = 8

// NewDisk returns the normalizer for disk timeline output: timeline.csv and
// file_listing.txt.
func NewDisk(fs afero.Fs, logger *zap.Logger) Normalizer {
	return newFileNormalizer(fs, DiskTool, logger,
		source{"timeline.csv", parseTimeline},
		source{"file_listing.txt", parseFileListing},
	)
}

// parseTimeline reads records of the form
// timestamp,size,activity,permissions,uid,gid,meta_address,path. The path
// is the remainder of the line and may contain commas.
func parseTimeline(r io.Reader, file string, origin evidence.Origin) ([]Record, error) {
	var records []Record
	err := eachLine(r, func(number int, line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		parts := strings.Split(line, ",")
		if len(parts) < timelineFields {
			records = append(records, Skipped{
				File:   file,
				Line:   number,
				Reason: fmt.Sprintf("%d fields, need %d", len(parts), timelineFields),
			})
			return
		}

		var timestamp interface{}
		if parts[0] != "0" {
			timestamp = parts[0]
		}
		event := evidence.NewEvent(origin, DiskTool, evidence.SourceTimeline, number)
		event.Fields["timestamp"] = timestamp
		event.Fields["file_size"] = parts[1]
		event.Fields["activity_type"] = parts[2]
		event.Fields["permissions"] = parts[3]
		event.Fields["uid"] = parts[4]
		event.Fields["gid"] = parts[5]
		event.Fields["meta_address"] = parts[6]
		event.Fields["file_path"] = strings.Join(parts[7:], ",")
		records = append(records, Parsed{Event: event})
	})
	return records, err
}

// parseFileListing yields one event per non-empty line.
func parseFileListing(r io.Reader, file string, origin evidence.Origin) ([]Record, error) {
	var records []Record
	err := eachLine(r, func(number int, line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		event := evidence.NewEvent(origin, DiskTool, evidence.SourceFileListing, number)
		event.Fields["file_path"] = line
		records = append(records, Parsed{Event: event})
	})
	return records, err
}
