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
	"sort"
	"sync"
)

// fieldMap tracks the flattened field names seen per source category.
type fieldMap struct {
	sync.RWMutex
	changed bool
	fields  map[string]map[string]bool
}

func newFieldMap() *fieldMap {
	return &fieldMap{
		changed: false,
		fields:  map[string]map[string]bool{},
	}
}

// all returns a sorted copy of the field names per category.
func (fm *fieldMap) all() map[string][]string {
	fm.RLock()
	defer fm.RUnlock()
	all := make(map[string][]string, len(fm.fields))
	for category, fields := range fm.fields {
		names := make([]string, 0, len(fields))
		for field := range fields {
			names = append(names, field)
		}
		sort.Strings(names)
		all[category] = names
	}
	return all
}

func (fm *fieldMap) add(category, field string) {
	fm.Lock()
	fm.addLocked(category, field)
	fm.Unlock()
}

func (fm *fieldMap) addAll(category string, fields []string) {
	fm.Lock()
	if _, ok := fm.fields[category]; !ok {
		fm.fields[category] = map[string]bool{}
		fm.changed = true
	}
	for _, field := range fields {
		fm.addLocked(category, field)
	}
	fm.Unlock()
}

func (fm *fieldMap) addLocked(category, field string) {
	if _, ok := fm.fields[category]; !ok {
		fm.fields[category] = map[string]bool{}
	}
	if _, ok := fm.fields[category][field]; !ok {
		fm.fields[category][field] = true
		fm.changed = true
	}
}

func (fm *fieldMap) isChanged() bool {
	fm.RLock()
	defer fm.RUnlock()
	return fm.changed
}

func (fm *fieldMap) reset() {
	fm.Lock()
	fm.changed = false
	fm.Unlock()
}
