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

package metrics

import (
	"io/ioutil"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.Submissions.WithLabelValues("memory").Inc()
	m.BytesStored.Add(42)
	m.Dispatches.WithLabelValues("failed").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := ioutil.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `intake_submissions_total{category="memory"} 1`)
	assert.Contains(t, string(body), "intake_bytes_stored_total 42")
	assert.Contains(t, string(body), `intake_dispatch_total{state="failed"} 1`)
}

func TestNew_Independent(t *testing.T) {
	a, b := New(), New()
	a.Escalations.Inc()

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "intake_escalations_total" {
			assert.Equal(t, float64(0), family.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
