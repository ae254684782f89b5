package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context and answers 504
// when the handler gives up because of it. The handler runs on the calling
// goroutine and must honour the context. Multipart uploads stream file bytes
// to blob storage and get uploadTimeout instead.
func RequestTimeout(timeout, uploadTimeout time.Duration) echo.MiddlewareFunc {
	if uploadTimeout < timeout {
		uploadTimeout = timeout
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := timeout
			if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
				d = uploadTimeout
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			expired := errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
			if !expired || c.Response().Committed {
				return err
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout, "request exceeded the allowed time")
		}
	}
}
