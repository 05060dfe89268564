package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/provider"
)

// ErrBadRequest 标记请求体或参数不合法。
var ErrBadRequest = errors.New("bad request")

// errorCodes 把 Provider 错误类别映射为状态码与稳定的错误码。
var errorCodes = []struct {
	kind   error
	status int
	code   string
}{
	{provider.ErrModelNotFound, fiber.StatusNotFound, "model_not_found"},
	{provider.ErrModelNotSupported, fiber.StatusNotFound, "model_not_supported"},
	{provider.ErrProviderNotAvailable, fiber.StatusServiceUnavailable, "provider_not_available"},
	{provider.ErrProviderNotRegistered, fiber.StatusServiceUnavailable, "provider_not_registered"},
	{provider.ErrModelLoadFailed, fiber.StatusConflict, "model_load_failed"},
	{provider.ErrTranscriptionFailed, fiber.StatusUnprocessableEntity, "transcription_failed"},
	{provider.ErrUnsupportedModelFormat, fiber.StatusUnprocessableEntity, "unsupported_model_format"},
	{provider.ErrModelDownloadFailed, fiber.StatusBadGateway, "model_download_failed"},
	{ErrBadRequest, fiber.StatusBadRequest, "bad_request"},
}

// StatusFor 返回 err 对应的 HTTP 状态码。
func StatusFor(err error) int {
	status, _ := classify(err)
	return status
}

func classify(err error) (int, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, errorCodeForStatus(fe.Code)
	}
	for _, m := range errorCodes {
		if errors.Is(err, m.kind) {
			return m.status, m.code
		}
	}
	return fiber.StatusInternalServerError, "internal_error"
}

func errorCodeForStatus(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "route_not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusRequestEntityTooLarge:
		return "body_too_large"
	case fiber.StatusBadRequest:
		return "bad_request"
	}
	if status >= fiber.StatusInternalServerError {
		return "internal_error"
	}
	return "request_failed"
}

// errorHandler 以 {"error": code, "message": ...} 的形式返回错误。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, code := classify(err)
		if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "http_error",
				"request_id": RequestID(c),
				"path":       c.Path(),
			}).Error("request error")
		}
		return c.Status(status).JSON(fiber.Map{
			"error":      code,
			"message":    err.Error(),
			"request_id": RequestID(c),
		})
	}
}
