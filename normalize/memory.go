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

// MemoryTool is the name of the memory analysis tool.
const MemoryTool = "volatility"

const (
	headerLines      = 2
	processTokens    = 6
	connectionTokens = 4
)

// NewMemory returns the normalizer for memory analysis output:
// processes.txt and network_connections.txt. Both start with a header and
// a separator line.
func NewMemory(fs afero.Fs, logger *zap.Logger) Normalizer {
	return newFileNormalizer(fs, MemoryTool, logger,
		source{"processes.txt", tokenParser(evidence.SourceProcessList, processTokens, processFields)},
		source{"network_connections.txt", tokenParser(evidence.SourceNetworkConnections, connectionTokens, connectionFields)},
	)
}

// processFields maps "offset name pid ppid threads handles ...". The
// leading offset is ignored.
func processFields(tokens []string, fields map[string]interface{}) {
	fields["process_name"] = tokens[1]
	fields["pid"] = tokens[2]
	fields["ppid"] = tokens[3]
	fields["threads"] = tokens[4]
	fields["handles"] = tokens[5]
}

func connectionFields(tokens []string, fields map[string]interface{}) {
	fields["protocol"] = tokens[0]
	fields["local_addr"] = tokens[1]
	fields["remote_addr"] = tokens[2]
	fields["state"] = tokens[3]
}

// tokenParser parses whitespace separated tables. Sequence numbers are line
// numbers of the file, header lines included.
func tokenParser(category string, minTokens int, mapFields func([]string, map[string]interface{})) parseFunc {
	return func(r io.Reader, file string, origin evidence.Origin) ([]Record, error) {
		var records []Record
		err := eachLine(r, func(number int, line string) {
			if number <= headerLines {
				return
			}
			tokens := strings.Fields(line)
			if len(tokens) == 0 {
				return
			}
			if len(tokens) < minTokens {
				records = append(records, Skipped{
					File:   file,
					Line:   number,
					Reason: fmt.Sprintf("%d tokens, need %d", len(tokens), minTokens),
				})
				return
			}
			event := evidence.NewEvent(origin, MemoryTool, category, number)
			mapFields(tokens, event.Fields)
			records = append(records, Parsed{Event: event})
		})
		return records, err
	}
}
