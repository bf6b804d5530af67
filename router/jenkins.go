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

package router

import (
	"context"
	"crypto/tls"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// JenkinsConfig configures the Jenkins execution platform.
type JenkinsConfig struct {
	URL                string
	User               string
	Token              string
	JobPrefix          string
	InsecureSkipVerify bool
}

// Jenkins triggers parameterized builds.
type Jenkins struct {
	config JenkinsConfig
	client *http.Client
}

// NewJenkins creates a Jenkins client. Deadlines come from the contexts
// passed to its methods.
func NewJenkins(config JenkinsConfig) *Jenkins {
	config.URL = strings.TrimRight(config.URL, "/")
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec
	}
	return &Jenkins{config: config, client: &http.Client{Transport: transport}}
}

// JobName returns the Jenkins job of a job type.
func (j *Jenkins) JobName(jobType string) string {
	return j.config.JobPrefix + jobType
}

// Trigger posts params to the buildWithParameters endpoint of the job.
func (j *Jenkins) Trigger(ctx context.Context, job string, params map[string]string) (int, error) {
	form := url.Values{}
	for key, value := range params {
		form.Set(key, value)
	}

	endpoint := j.config.URL + "/job/" + url.PathEscape(j.JobName(job)) + "/buildWithParameters"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(j.config.User, j.config.Token)

	resp, err := j.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(ioutil.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Ping checks that Jenkins is reachable and accepts the credentials.
func (j *Jenkins) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.config.URL+"/api/json", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(j.config.User, j.config.Token)

	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(ioutil.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("jenkins returned status %d", resp.StatusCode)
	}
	return nil
}
