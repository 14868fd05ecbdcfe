package lms

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// ErrorResponse is the body rendered for every failed request
type ErrorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// NewHTTPServer returns a router backed by fiber whose app level error
// handler renders errors with ErrorHandler.
func NewHTTPServer(logger Logger) router.Server[*fiber.App] {
	if logger == nil {
		logger = defLogger{name: "lms.http"}
	}

	srv := router.NewFiberAdapter(func(*fiber.App) *fiber.App {
		return fiber.New(fiber.Config{
			AppName:               "lms",
			DisableStartupMessage: true,
			StrictRouting:         false,
			ErrorHandler:          FiberErrorHandler(logger),
		})
	})
	srv.Router().WithLogger(logger)
	return srv
}

// ErrorHandler renders errors as {code, description} with the status carried
// by the rich error.
func ErrorHandler(logger Logger) router.ErrorHandler {
	if logger == nil {
		logger = defLogger{name: "lms.http"}
	}

	return func(ctx router.Context, err error) error {
		richErr := toRichError(err)
		status := statusFor(richErr)

		args := []any{
			"error", richErr.Message,
			"text_code", richErr.TextCode,
			"category", richErr.Category,
			"status", status,
			"path", ctx.OriginalURL(),
		}
		if len(richErr.Metadata) > 0 {
			args = append(args, "details", print.MaybePrettyJSON(richErr.Metadata))
		}

		if status >= http.StatusInternalServerError {
			logger.Error("Request failed", args...)
		} else {
			logger.Info("Request rejected", args...)
		}

		return ctx.JSON(status, ErrorResponse{
			Code:        ResponseCode(richErr),
			Description: richErr.Message,
		})
	}
}

// FiberErrorHandler is ErrorHandler for fiber.Config.ErrorHandler. Errors
// returned by routes and fiber's own 404 and 405 responses end up here.
func FiberErrorHandler(logger Logger) fiber.ErrorHandler {
	handler := ErrorHandler(logger)
	return func(c *fiber.Ctx, err error) error {
		return handler(router.NewFiberContext(c, nil), err)
	}
}

func toRichError(err error) *errors.Error {
	var richErr *errors.Error
	if errors.As(err, &richErr) && richErr != nil {
		return richErr
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return errors.New(fiberErr.Message, errors.CategoryHandler).
			WithCode(fiberErr.Code).
			WithTextCode(textCodeForStatus(fiberErr.Code))
	}

	return NewError(nil, err)
}

func statusFor(richErr *errors.Error) int {
	if richErr.Code >= 400 && richErr.Code <= 599 {
		return richErr.Code
	}

	switch richErr.Category {
	case errors.CategoryAuth:
		return http.StatusUnauthorized
	case errors.CategoryAuthz:
		return http.StatusForbidden
	case errors.CategoryValidation, errors.CategoryBadInput:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case errors.CategoryExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func textCodeForStatus(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return TextCodeInternal
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
