package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// CustomHTTPErrorHandler hides internal errors behind a request id. Errors
// raised with echo.NewHTTPError keep their status and message.
func CustomHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code != http.StatusInternalServerError {
		_ = c.JSON(he.Code, map[string]any{"error": he.Message})
		return
	}

	requestID, _ := c.Get("requestID").(string)
	if requestID == "" {
		requestID = uuid.New().String()
		c.Set("requestID", requestID)
	}

	// Log the full error with request ID
	c.Logger().Errorf("Request ID: %s | Internal error: %v", requestID, err)

	// Hide internal error message from user
	_ = c.JSON(http.StatusInternalServerError, map[string]any{
		"error":      "Internal server error. Please contact support with the request ID.",
		"request_id": requestID,
	})
}

func RequestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := uuid.New().String()
		c.Set("requestID", requestID)
		c.Response().Header().Set("X-Request-ID", requestID)
		return next(c)
	}
}
