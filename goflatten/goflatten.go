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

// Package goflatten flattens nested event fields into dotted keys.
package goflatten

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Delimiter separates the path elements of a flattened key.
const Delimiter = "."

// Flatten returns a map one level deep regardless of how nested the
// original map was. Keys are the paths of the leaves joined by Delimiter,
// slice elements are addressed by their index. Empty maps and slices
// disappear.
func Flatten(nested map[string]interface{}) (map[string]interface{}, error) {
	flat := map[string]interface{}{}
	if err := flatten(flat, "", nested); err != nil {
		return nil, err
	}
	return flat, nil
}

func flatten(flat map[string]interface{}, prefix string, nested interface{}) error {
	if nested == nil {
		if prefix != "" {
			flat[prefix] = nil
		}
		return nil
	}

	value := reflect.ValueOf(nested)
	switch value.Kind() {
	case reflect.Map:
		if value.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported key type %s at %q", value.Type().Key(), prefix)
		}
		for _, k := range value.MapKeys() {
			if err := flatten(flat, join(prefix, k.String()), value.MapIndex(k).Interface()); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < value.Len(); i++ {
			if err := flatten(flat, join(prefix, strconv.Itoa(i)), value.Index(i).Interface()); err != nil {
				return err
			}
		}
	default:
		flat[prefix] = nested
	}
	return nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Delimiter + key
}

// Keys returns the sorted flattened keys of nested.
func Keys(nested map[string]interface{}) ([]string, error) {
	flat, err := Flatten(nested)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
