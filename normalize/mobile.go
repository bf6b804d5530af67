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
	"io"
	"io/ioutil"
	"strings"
	"unicode/utf8"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// MobileTool is the name of the mobile extraction tool.
const MobileTool = "andriller"

// PreviewLength is the number of characters of a mobile extraction file
// kept in its summary event.
const PreviewLength = 1000

// NewMobile returns the normalizer for mobile extraction output. Every file
// found yields a single summary event.
func NewMobile(fs afero.Fs, logger *zap.Logger) Normalizer {
	return newFileNormalizer(fs, MobileTool, logger,
		source{"contacts.csv", summaryParser(evidence.SourceContacts)},
		source{"messages.csv", summaryParser(evidence.SourceMessages)},
		source{"calls.csv", summaryParser(evidence.SourceCalls)},
		source{"apps.txt", summaryParser(evidence.SourceApps)},
	)
}

func summaryParser(category string) parseFunc {
	return func(r io.Reader, file string, origin evidence.Origin) ([]Record, error) {
		head := make([]byte, PreviewLength*utf8.UTFMax)
		n, err := io.ReadFull(r, head)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		rest, err := io.Copy(ioutil.Discard, r)
		if err != nil {
			return nil, err
		}

		event := evidence.NewEvent(origin, MobileTool, category, 1)
		event.Fields["file_name"] = file
		event.Fields["content"] = preview(head[:n], PreviewLength)
		event.Fields["file_size"] = int64(n) + rest
		return []Record{Parsed{Event: event}}, nil
	}
}

// preview returns the first max characters of b. Invalid UTF-8 is dropped.
func preview(b []byte, max int) string {
	s := strings.ToValidUTF8(string(b), "")
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}
