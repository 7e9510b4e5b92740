package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qdqpack/internal/compiler"
	"github.com/samcharles93/qdqpack/pkg/blob"
	"github.com/samcharles93/qdqpack/pkg/fixedpoint"
	"github.com/samcharles93/qdqpack/pkg/layout"
	"github.com/samcharles93/qdqpack/pkg/wtsfile"
)

// ErrInvalidRequest marks request bodies that fail validation before any
// coefficient or compile work starts.
var ErrInvalidRequest = errors.New("invalid_request")

func newInvalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, ErrorResponse{Error: ErrorDetail{Message: msg, Type: errType, Param: param}})
}

// writeFailure maps a compile or coefficient error onto a status code.
func writeFailure(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, compiler.ErrInvalidPlan),
		errors.Is(err, wtsfile.ErrConfiguration),
		errors.Is(err, layout.ErrShapeMismatch),
		errors.Is(err, fixedpoint.ErrDegenerateScale):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, blob.ErrOverlap), errors.Is(err, blob.ErrOutOfBounds):
		return writeError(c, http.StatusUnprocessableEntity, "placement_error", err.Error(), "")
	case errors.Is(err, fs.ErrNotExist):
		return writeNotFound(c, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, "cancelled", err.Error(), "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
