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

// Package evidence contains the data model shared by the intake and
// normalization components: evidence categories, submission records,
// normalized and enriched events, indicators and the error taxonomy.
package evidence

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Category is the closed set of evidence categories. Each category carries
// the analysis job it is routed to, the file extensions accepted for it and
// the tool whose output is normalized for it.
type Category uint8

const (
	Disk Category = iota + 1
	Memory
	Mobile
	Malware
)

type categoryInfo struct {
	name       string
	jobType    string
	tool       string
	extensions []string
}

// categories is indexed by Category; index 0 is the invalid zero value.
var categories = [...]categoryInfo{
	Disk: {
		name:       "disk",
		jobType:    "disk-analysis",
		tool:       "autopsy",
		extensions: []string{"img", "dd", "raw", "vmdk", "vdi", "e01", "ex01"},
	},
	Memory: {
		name:       "memory",
		jobType:    "memory-analysis",
		tool:       "volatility",
		extensions: []string{"mem", "dmp", "raw", "vmem", "bin"},
	},
	Mobile: {
		name:       "mobile",
		jobType:    "mobile-analysis",
		tool:       "andriller",
		extensions: []string{"ab", "tar", "zip", "dd", "bin"},
	},
	Malware: {
		name:       "malware",
		jobType:    "malware-analysis",
		extensions: []string{"exe", "dll", "bin", "zip", "rar", "doc", "pdf", "js"},
	},
}

// Categories returns all valid categories in declaration order.
func Categories() []Category {
	return []Category{Disk, Memory, Mobile, Malware}
}

// ParseCategory returns the category with the given name.
func ParseCategory(name string) (Category, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range Categories() {
		if categories[c].name == name {
			return c, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidCategory, "%q", name)
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	return c > 0 && int(c) < len(categories) && categories[c].name != ""
}

func (c Category) String() string {
	if !c.Valid() {
		return "unknown"
	}
	return categories[c].name
}

// JobType is the analysis job a submission of this category is routed to.
func (c Category) JobType() (string, error) {
	if !c.Valid() {
		return "", errors.Wrapf(ErrUnroutableCategory, "category %d", uint8(c))
	}
	return categories[c].jobType, nil
}

// Tool is the name of the tool whose output is normalized for this
// category. Malware submissions have no normalized tool output.
func (c Category) Tool() string {
	if !c.Valid() {
		return ""
	}
	return categories[c].tool
}

// Extensions returns the accepted file extensions (lower case, without dot).
func (c Category) Extensions() []string {
	if !c.Valid() {
		return nil
	}
	return append([]string(nil), categories[c].extensions...)
}

// Allows reports whether filename has an extension accepted for c.
func (c Category) Allows(filename string) bool {
	if !c.Valid() {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range categories[c].extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, errors.Wrapf(ErrInvalidCategory, "category %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
