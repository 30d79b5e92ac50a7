package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/pipeline"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// RegisterRequest is the body of POST /api/v1/contexts.
type RegisterRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// handleError writes an ErrorResponse. The correlation ID is the request ID.
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	id := c.Response().Header().Get(echo.HeaderXRequestID)
	resp := ErrorResponse{Message: message, Code: code, CorrelationID: id}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Error = message
	}
	if code >= http.StatusInternalServerError {
		s.log.WithContext(c.Request().Context()).Error("api error",
			logger.String("path", c.Request().URL.Path),
			logger.Int("code", code),
			logger.Error(err))
	}
	return c.JSON(code, resp)
}

// statusFor maps pipeline errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) listTiles(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tiles.All())
}

func (s *Server) getTile(c echo.Context) error {
	id := c.Param("id")
	st, ok := s.tiles.Get(id)
	if !ok {
		return s.handleError(c, nil, "no tile for context "+id, http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, st)
}

// getTileImage serves the image bytes of an image tile.
func (s *Server) getTileImage(c echo.Context) error {
	id := c.Param("id")
	st, ok := s.tiles.Get(id)
	if !ok || st.Model.Image == nil || len(st.Model.Image.Data) == 0 {
		return s.handleError(c, nil, "no image for context "+id, http.StatusNotFound)
	}
	ct := st.Model.Image.ContentType
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	return c.Blob(http.StatusOK, ct, st.Model.Image.Data)
}

func (s *Server) registerContext(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	kind, err := display.ParseKind(req.Kind)
	if err != nil {
		return s.handleError(c, err, "invalid tile kind", http.StatusBadRequest)
	}
	if err := s.pipeline.Register(c.Request().Context(), req.ID, kind); err != nil {
		return s.handleError(c, err, "failed to register context", statusFor(err))
	}
	return c.JSON(http.StatusCreated, RegisterRequest{ID: req.ID, Kind: string(kind)})
}

func (s *Server) unregisterContext(c echo.Context) error {
	if err := s.pipeline.Unregister(c.Request().Context(), c.Param("id")); err != nil {
		return s.handleError(c, err, "failed to unregister context", statusFor(err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) today(c echo.Context) error {
	species, err := s.pipeline.TodaySpecies(c.Request().Context())
	if err != nil {
		return s.handleError(c, err, "failed to read today's species", statusFor(err))
	}
	return c.JSON(http.StatusOK, species)
}

func (s *Server) status(c echo.Context) error {
	st, err := s.pipeline.Status(c.Request().Context())
	if err != nil {
		return s.handleError(c, err, "failed to read status", statusFor(err))
	}
	return c.JSON(http.StatusOK, st)
}
