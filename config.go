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

package evidenceintake

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/forensicanalysis/evidenceintake/sink"
)

// Environment variables that override secrets of the configuration file.
const (
	EnvPlatformToken = "INTAKE_PLATFORM_TOKEN"
	EnvIntelAPIKey   = "INTAKE_INTEL_API_KEY"
)

// Config is the complete configuration of an Orchestrator. It is passed in
// explicitly; nothing is read from global state after Load returns.
type Config struct {
	Storage  StorageConfig   `yaml:"storage"`
	Platform PlatformConfig  `yaml:"platform"`
	Intel    IntelConfig     `yaml:"intel"`
	NATS     sink.NATSConfig `yaml:"nats"`
	API      APIConfig       `yaml:"api"`
	Log      LogConfig       `yaml:"log"`
}

// StorageConfig locates evidence, processed events and the event index.
type StorageConfig struct {
	EvidenceDir    string        `yaml:"evidence_dir"`
	ProcessedDir   string        `yaml:"processed_dir"`
	IndexPath      string        `yaml:"index_path"`
	MaxSize        int64         `yaml:"max_size"`
	ChunkSize      int           `yaml:"chunk_size"`
	CompressEvents bool          `yaml:"compress_events"`
	DispatchLease  time.Duration `yaml:"dispatch_lease"`
}

// PlatformConfig configures the job execution platform.
type PlatformConfig struct {
	URL                string        `yaml:"url"`
	User               string        `yaml:"user"`
	Token              string        `yaml:"token"`
	JobPrefix          string        `yaml:"job_prefix"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// IntelConfig configures the indicator source.
type IntelConfig struct {
	URL                 string        `yaml:"url"`
	APIKey              string        `yaml:"api_key"`
	Timeout             time.Duration `yaml:"timeout"`
	Limit               int           `yaml:"limit"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
	CacheSize           int           `yaml:"cache_size"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
}

// APIConfig configures the HTTP intake API.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// DefaultConfig returns the configuration used for every unset field.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			EvidenceDir:  "evidence",
			ProcessedDir: "processed",
			IndexPath:    "processed/events.sqlite",
			MaxSize:      50 << 30,
			ChunkSize:    64 << 10,
		},
		Platform: PlatformConfig{
			URL:       "http://localhost:8080",
			User:      "admin",
			JobPrefix: "forensics-",
			Timeout:   30 * time.Second,
		},
		Intel: IntelConfig{
			Timeout:             30 * time.Second,
			Limit:               50,
			EscalationThreshold: 5,
			CacheSize:           4096,
		},
		NATS: sink.NATSConfig{
			EventsSubject:      "intake.events",
			EscalationsSubject: "intake.escalations",
			ConnectTimeout:     5 * time.Second,
		},
		API: APIConfig{Listen: ":5000"},
		Log: LogConfig{Level: "info", Encoding: "console"},
	}
}

// LoadConfig reads a YAML configuration file. An empty path yields the
// defaults. Secrets are taken from the environment if set there.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if path != "" {
		b, err := ioutil.ReadFile(path) // #nosec
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return nil, errors.Wrapf(err, "could not parse %s", path)
		}
	}
	if err := config.setDefaults(); err != nil {
		return nil, err
	}

	if token, ok := os.LookupEnv(EnvPlatformToken); ok {
		config.Platform.Token = token
	}
	if key, ok := os.LookupEnv(EnvIntelAPIKey); ok {
		config.Intel.APIKey = key
	}
	return config, nil
}

func (c *Config) setDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return errors.Wrap(err, "could not apply defaults")
	}
	if c.Storage.DispatchLease <= 0 {
		c.Storage.DispatchLease = 2 * c.Platform.Timeout
	}
	return nil
}
