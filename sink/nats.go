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
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake/enrich"
)

// DefaultConnectRetries bounds the connection attempts of ConnectNATS.
const DefaultConnectRetries = 5

// Publisher publishes a message on a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes every event on "<events subject>.<tool>" and escalation
// records on the escalations subject.
type NATS struct {
	pub                Publisher
	conn               *nats.Conn
	eventsSubject      string
	escalationsSubject string
	logger             *zap.Logger
}

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL                string        `yaml:"url"`
	EventsSubject      string        `yaml:"events_subject"`
	EscalationsSubject string        `yaml:"escalations_subject"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

// ConnectNATS connects to the server at config.URL. Failed attempts are
// retried with exponential backoff a bounded number of times.
func ConnectNATS(config NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var conn *nats.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = nats.Connect(config.URL,
			nats.Name("evidenceintake"),
			nats.Timeout(config.ConnectTimeout),
		)
		return err
	}, backoff.WithMaxRetries(bo, DefaultConnectRetries), func(err error, wait time.Duration) {
		logger.Warn("retrying nats connection", zap.String("url", config.URL), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", config.URL)
	}
	logger.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))

	return newNATS(conn, conn, config.EventsSubject, config.EscalationsSubject, logger), nil
}

func newNATS(pub Publisher, conn *nats.Conn, eventsSubject, escalationsSubject string, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{
		pub:                pub,
		conn:               conn,
		eventsSubject:      eventsSubject,
		escalationsSubject: escalationsSubject,
		logger:             logger,
	}
}

// Write publishes the events of batch in order.
func (s *NATS) Write(ctx context.Context, batch *Batch) error {
	subject := s.eventsSubject + "." + batch.Tool
	for _, e := range batch.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := s.pub.Publish(subject, b); err != nil {
			return errors.Wrapf(err, "could not publish %s", e.Key())
		}
	}
	s.logger.Debug("published events", zap.String("subject", subject), zap.Int("count", len(batch.Events)))
	return nil
}

// Escalate publishes an escalation record.
func (s *NATS) Escalate(_ context.Context, escalation *enrich.Escalation) error {
	b, err := json.Marshal(escalation)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.escalationsSubject, b); err != nil {
		return errors.Wrapf(err, "could not publish escalation %s", escalation.ID)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (s *NATS) Close() error {
	if s.conn == nil {
		return nil
	}
	defer s.conn.Close()
	return s.conn.Flush()
}
