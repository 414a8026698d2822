package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

var errEmptyBatch = errors.New("empty request body")

// Handler serves a MemoryBackend over the HTTP wire format. It backs the
// demo server and the HTTP client tests.
func Handler(b *MemoryBackend, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	h := &backendHandler{backend: b, logger: logger}
	e.GET("/health", h.health)
	e.GET("/snapshot", h.snapshot)
	e.POST("/sync", h.sync)

	return e
}

type backendHandler struct {
	backend *MemoryBackend
	logger  *slog.Logger
}

func (h *backendHandler) health(c echo.Context) error {
	if err := h.backend.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, Response{Status: StatusError, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, Response{Status: StatusSuccess})
}

func (h *backendHandler) snapshot(c echo.Context) error {
	snap, err := h.backend.FetchSnapshot(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, Response{Status: StatusError, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, Response{Status: StatusSuccess, Data: snap})
}

func (h *backendHandler) sync(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxResponseBytes)

	var batch requestBatch
	if err := c.Bind(&batch); err != nil {
		return c.JSON(http.StatusBadRequest, Response{Status: StatusError, Error: bindMessage(err)})
	}
	if len(batch) == 0 {
		return c.JSON(http.StatusBadRequest, Response{Status: StatusError, Error: errEmptyBatch.Error()})
	}

	if err := h.backend.Send(req.Context(), batch); err != nil {
		status := http.StatusServiceUnavailable
		if IsRejected(err) {
			status = http.StatusUnprocessableEntity
		}
		h.logger.Warn("sync request refused", "requests", len(batch), "error", err)
		return c.JSON(status, Response{Status: StatusError, Error: err.Error()})
	}

	h.logger.Debug("sync request applied", "requests", len(batch))
	return c.JSON(http.StatusOK, Response{Status: StatusSuccess})
}

// requestBatch binds either a single request object or an array of them.
type requestBatch []Request

func (rb *requestBatch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*rb = nil
		return nil
	}

	if data[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(data, &batch); err != nil {
			return err
		}
		*rb = batch
		return nil
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	*rb = requestBatch{req}
	return nil
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Internal != nil {
			return he.Internal.Error()
		}
		if msg, ok := he.Message.(string); ok {
			return msg
		}
	}
	return err.Error()
}

// httpErrorHandler keeps routing errors (404, 405) in the Response envelope.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}

	if err := c.JSON(code, Response{Status: StatusError, Error: msg}); err != nil {
		c.Logger().Error(err)
	}
}
