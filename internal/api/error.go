package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/internal/dispatcher"
)

// JSONErrorHandler sends a JSON response with a single "message" key containing the error message.
func JSONErrorHandler(err error, c echo.Context) {
	var (
		code             = statusCode(err)
		msg  interface{} = err
	)
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = he.Message
	}
	if code >= 500 {
		c.Logger().Error(err)
	}
	if !c.Response().Committed {
		// For the HEAD method, the server MUST NOT return a message-body in the response.
		if c.Request().Method == echo.HEAD {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]interface{}{"message": fmt.Sprint(msg)})
		}
		if err != nil {
			c.Logger().Error(err)
		}
	}
}

// statusCode maps dispatcher errors onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrTrialNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatcher.ErrNotBound):
		return http.StatusConflict
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrInvalid is the inner error for errors that convert to a 400.
var ErrInvalid = errors.New("bad request")

// AsValidationError returns an error that wraps ErrInvalid, so that errors.Is can identify it.
func AsValidationError(msg string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, msg, args...)
}
