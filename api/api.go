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

// Package api serves the intake over HTTP.
package api

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/forensicanalysis/evidenceintake"
	"github.com/forensicanalysis/evidenceintake/evidence"
	"github.com/forensicanalysis/evidenceintake/metrics"
)

// FileField is the multipart field carrying the evidence.
const FileField = "evidence_file"

// Intake is the part of the orchestrator the API exposes.
type Intake interface {
	Submit(ctx context.Context, req evidenceintake.Request, r io.Reader) (*evidenceintake.Receipt, error)
	Redispatch(ctx context.Context, id string) (*evidenceintake.Receipt, error)
	Lookup(id string) (*evidence.Submission, error)
	List() ([]*evidence.Submission, error)
	Status(ctx context.Context) (*evidenceintake.Status, error)
}

// Server is the HTTP intake API.
type Server struct {
	app    *fiber.App
	intake Intake
	logger *zap.Logger
}

// formOverhead is the room left for form fields and multipart framing on
// top of the evidence size limit.
const formOverhead = 1 << 20

// New creates the API. Evidence up to maxSize bytes is accepted. Request
// bodies are streamed: multipart uploads are spooled to temporary files
// instead of being held in memory, and the size limit is enforced while
// the evidence is stored.
func New(intake Intake, m *metrics.Metrics, maxSize int64, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{intake: intake, logger: logger}
	s.app = fiber.New(fiber.Config{
		AppName:               "evidenceintake",
		BodyLimit:             bodyLimit(maxSize),
		StreamRequestBody:     true,
		ReadTimeout:           10 * time.Minute,
		DisableStartupMessage: true,
	})
	s.app.Use(fiberrecover.New())
	s.app.Use(s.logRequest)

	api := s.app.Group("/api")
	api.Get("/status", s.status)
	api.Get("/submissions", s.list)
	api.Post("/submissions", s.submit)
	api.Get("/submissions/:id", s.lookup)
	api.Post("/submissions/:id/dispatch", s.redispatch)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}
	return s
}

func bodyLimit(maxSize int64) int {
	if maxSize <= 0 || maxSize > math.MaxInt-formOverhead {
		return math.MaxInt
	}
	return int(maxSize) + formOverhead
}

// App returns the fiber app, e.g. for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info("serving intake api", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) logRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
	return err
}

func (s *Server) status(c *fiber.Ctx) error {
	status, err := s.intake.Status(c.UserContext())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(status)
}

func (s *Server) list(c *fiber.Ctx) error {
	submissions, err := s.intake.List()
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(submissions)
}

func (s *Server) submit(c *fiber.Ctx) error {
	header, err := c.FormFile(FileField)
	if err != nil {
		return s.fail(c, errors.Wrapf(evidence.ErrInvalidField, "missing %s", FileField))
	}
	file, err := header.Open()
	if err != nil {
		return s.fail(c, errors.Wrap(evidence.ErrStorageFailure, err.Error()))
	}
	defer file.Close()

	req := evidenceintake.Request{
		Fields: evidence.Fields{
			CaseID:        c.FormValue("case_id"),
			Category:      c.FormValue("category"),
			Investigator:  c.FormValue("investigator"),
			Description:   c.FormValue("description"),
			Priority:      c.FormValue("priority"),
			AnalysisLevel: c.FormValue("analysis_level"),
			Filename:      header.Filename,
		},
		Size: header.Size,
	}

	receipt, err := s.intake.Submit(c.UserContext(), req, file)
	if err != nil {
		if receipt != nil {
			return s.partial(c, receipt, err)
		}
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(receipt)
}

func (s *Server) lookup(c *fiber.Ctx) error {
	submission, err := s.intake.Lookup(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(submission)
}

func (s *Server) redispatch(c *fiber.Ctx) error {
	receipt, err := s.intake.Redispatch(c.UserContext(), c.Params("id"))
	if err != nil {
		if receipt != nil && errors.Is(err, evidence.ErrDispatchFailure) {
			return s.partial(c, receipt, err)
		}
		return s.fail(c, err)
	}
	return c.JSON(receipt)
}

// partial reports a stored submission whose job could not be dispatched.
func (s *Server) partial(c *fiber.Ctx, receipt *evidenceintake.Receipt, err error) error {
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"receipt": receipt,
		"error":   evidence.KindOf(err),
		"message": err.Error(),
	})
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := StatusCode(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   evidence.KindOf(err),
		"message": err.Error(),
	})
}

// StatusCode maps an intake error to its HTTP status code.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, evidence.ErrPayloadTooLarge):
		return fiber.StatusRequestEntityTooLarge
	case evidence.IsValidation(err):
		return fiber.StatusBadRequest
	case errors.Is(err, evidence.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, evidence.ErrAlreadyDispatched), errors.Is(err, evidence.ErrDispatchInProgress):
		return fiber.StatusConflict
	case errors.Is(err, evidence.ErrDispatchFailure), errors.Is(err, evidence.ErrUnroutableCategory):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}
