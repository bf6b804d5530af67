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

package enrich

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/forensicanalysis/evidenceintake/evidence"
)

// MISPConfig configures the MISP indicator source.
type MISPConfig struct {
	URL                string
	APIKey             string
	Limit              int
	InsecureSkipVerify bool
}

// MISP searches attributes of a MISP instance and creates events for
// escalations.
type MISP struct {
	config MISPConfig
	client *http.Client
}

// NewMISP creates a MISP client. Deadlines come from the contexts passed to
// its methods.
func NewMISP(config MISPConfig) *MISP {
	config.URL = strings.TrimRight(config.URL, "/")
	if config.Limit <= 0 {
		config.Limit = 50
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec
	}
	return &MISP{config: config, client: &http.Client{Transport: transport}}
}

func mispType(value string, typ evidence.IndicatorType) string {
	switch typ {
	case evidence.IndicatorHash:
		return hashType(value)
	case evidence.IndicatorAddress:
		return "ip-dst"
	}
	return "url"
}

// Lookup searches attributes with exactly value.
func (m *MISP) Lookup(ctx context.Context, value string, typ evidence.IndicatorType) ([]evidence.Indicator, error) {
	body, err := m.post(ctx, "/attributes/restSearch", map[string]interface{}{
		"value": value,
		"type":  mispType(value, typ),
		"limit": m.config.Limit,
		"page":  1,
	})
	if err != nil {
		return nil, err
	}

	indicators := []evidence.Indicator{}
	gjson.GetBytes(body, "response.Attribute").ForEach(func(_, attr gjson.Result) bool {
		indicators = append(indicators, evidence.Indicator{
			ID:       attr.Get("id").String(),
			EventID:  attr.Get("event_id").String(),
			Type:     attr.Get("type").String(),
			Category: attr.Get("category").String(),
			Value:    attr.Get("value").String(),
			Comment:  attr.Get("comment").String(),
		})
		return true
	})
	return indicators, nil
}

// Escalate creates an unpublished MISP event of medium threat level holding
// the attributes of the escalation.
func (m *MISP) Escalate(ctx context.Context, escalation *Escalation) error {
	event := map[string]interface{}{
		"Event": map[string]interface{}{
			"info":            escalation.Info,
			"threat_level_id": "2",
			"analysis":        "1",
			"distribution":    "1",
			"published":       false,
			"Attribute":       escalation.Attributes,
		},
	}
	body, err := m.post(ctx, "/events", event)
	if err != nil {
		return err
	}
	if id := gjson.GetBytes(body, "Event.id"); id.Exists() {
		escalation.ID = id.String()
	}
	return nil
}

// Ping checks that MISP is reachable and accepts the API key.
func (m *MISP) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.URL+"/servers/getVersion", nil)
	if err != nil {
		return err
	}
	_, err = m.do(req)
	return err
}

func (m *MISP) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.URL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req)
}

// do sends req and classifies failures. Rejected credentials and malformed
// requests are permanent, everything else may be retried later.
func (m *MISP) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", m.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, Permanent(errors.Errorf("misp rejected credentials: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return nil, Permanent(errors.Errorf("misp endpoint %s: status %d", req.URL.Path, resp.StatusCode))
	}
	return nil, errors.Errorf("misp returned status %d", resp.StatusCode)
}
