// Package server exposes a remote.Remote over JSON/HTTP for devices that
// sync through httpclient. Every route requires an HS256 bearer token; its
// subject is the account partition key.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/roach88/calsync/internal/model"
	"github.com/roach88/calsync/internal/remote"
)

const issuer = "calsync"

// maxPullLimit caps the page size a client may request.
const maxPullLimit = 1000

// tables lists the entity types the server accepts.
var tables = map[string]bool{
	model.EntityMeal:               true,
	model.EntityWeight:             true,
	model.EntityGoal:               true,
	model.EntityStreakFreeze:       true,
	model.EntityAdjustment:         true,
	model.EntityReferralRedemption: true,
	model.EntityReferralReward:     true,
	model.EntityAccount:            true,
	model.EntityPushBroadcast:      true,
	model.EntityCapabilities:       true,
}

type upsertRequest struct {
	ID        string          `json:"id" validate:"required,max=200"`
	UpdatedAt int64           `json:"updated_at" validate:"gt=0"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

// Server is the sync HTTP service.
type Server struct {
	app      *fiber.App
	backend  remote.Remote
	secret   []byte
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a server over backend that accepts tokens signed with secret.
func New(backend remote.Remote, secret string, opts ...Option) *Server {
	s := &Server{
		backend:  backend,
		secret:   []byte(secret),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return errorResponse(c, code, err)
		},
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger())

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := s.app.Group("/v1", s.authMiddleware())
	v1.Get("/:table", s.pull)
	v1.Put("/:table/:id", s.upsert)
	v1.Delete("/:table/:id", s.delete)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("sync server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("sync server listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Debug("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start),
		)
		return err
	}
}

func errorResponse(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// backendError maps a backend failure onto a response.
func (s *Server) backendError(c *fiber.Ctx, err error) error {
	if remote.IsUnavailable(err) {
		return errorResponse(c, fiber.StatusServiceUnavailable, err)
	}
	s.logger.Warn("backend call failed", "path", c.Path(), "error", err)
	return errorResponse(c, fiber.StatusInternalServerError, err)
}

func (s *Server) table(c *fiber.Ctx) (string, error) {
	t := c.Params("table")
	if !tables[t] {
		return "", fiber.NewError(fiber.StatusBadRequest, "unknown table "+strconv.Quote(t))
	}
	return t, nil
}

func account(c *fiber.Ctx) string {
	a, _ := c.Locals(localAccount).(string)
	return a
}

func (s *Server) upsert(c *fiber.Ctx) error {
	table, err := s.table(c)
	if err != nil {
		return err
	}
	req := new(upsertRequest)
	if err := c.BodyParser(req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, err)
	}
	if err := s.validate.Struct(req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, err)
	}
	if req.ID != c.Params("id") {
		return errorResponse(c, fiber.StatusBadRequest, errors.New("record id does not match path"))
	}

	rec := remote.Record{ID: req.ID, UpdatedAt: req.UpdatedAt, Payload: req.Payload}
	if err := s.backend.Upsert(c.Context(), account(c), table, rec); err != nil {
		return s.backendError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) delete(c *fiber.Ctx) error {
	table, err := s.table(c)
	if err != nil {
		return err
	}
	updatedAt, err := strconv.ParseInt(c.Query("updated_at"), 10, 64)
	if err != nil || updatedAt <= 0 {
		return errorResponse(c, fiber.StatusBadRequest, errors.New("updated_at must be a positive integer"))
	}
	if err := s.backend.Delete(c.Context(), account(c), table, c.Params("id"), updatedAt); err != nil {
		return s.backendError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) pull(c *fiber.Ctx) error {
	table, err := s.table(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", remote.DefaultPageSize)
	if limit <= 0 || limit > maxPullLimit {
		return errorResponse(c, fiber.StatusBadRequest, errors.New("limit out of range"))
	}
	page, err := s.backend.Pull(c.Context(), account(c), table, c.Query("since"), limit)
	if err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(page)
}
