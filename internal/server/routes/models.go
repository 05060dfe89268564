package routes

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/app"
	"github.com/voxhub/voxhub/internal/logging"
	"github.com/voxhub/voxhub/internal/provider"
	"github.com/voxhub/voxhub/internal/server"
)

type modelRequest struct {
	Model string `json:"model"`
}

type transcriptionRequest struct {
	Model        string                        `json:"model"`
	AudioPath    string                        `json:"audio_path"`
	Options      provider.TranscriptionOptions `json:"options"`
	LoadIfNeeded bool                          `json:"load_if_needed"`
}

type modelResponse struct {
	Model     string             `json:"model"`
	Provider  provider.Type      `json:"provider"`
	Status    string             `json:"status"`
	Progress  *provider.Progress `json:"progress,omitempty"`
	ElapsedMS int64              `json:"elapsed_ms"`
}

type transcriptionResponse struct {
	Model     string        `json:"model"`
	Provider  provider.Type `json:"provider"`
	Text      string        `json:"text"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

// RegisterModelRoutes 暴露模型下载、加载、删除与转写接口。所有请求按模型名经 Router 分发。
func RegisterModelRoutes(router fiber.Router, a *app.App) {
	if router == nil || a == nil {
		return
	}
	v1 := router.Group("/v1")

	v1.Post("/models/download", func(c fiber.Ctx) error {
		var req modelRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		p, err := resolveProvider(a, req.Model)
		if err != nil {
			return err
		}

		var (
			mu   sync.Mutex
			last provider.Progress
		)
		started := time.Now()
		err = p.DownloadModel(c.Context(), req.Model, func(update provider.Progress) {
			mu.Lock()
			last = update
			mu.Unlock()
		})
		if err != nil {
			return err
		}
		mu.Lock()
		final := last
		mu.Unlock()
		logRequest(a.Logger, c, "http_download", p.Type(), req.Model)
		return c.JSON(modelResponse{
			Model:     req.Model,
			Provider:  p.Type(),
			Status:    "downloaded",
			Progress:  &final,
			ElapsedMS: time.Since(started).Milliseconds(),
		})
	})

	v1.Post("/models/load", func(c fiber.Ctx) error {
		var req modelRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		p, err := resolveProvider(a, req.Model)
		if err != nil {
			return err
		}
		started := time.Now()
		if err := p.LoadModelIntoMemory(c.Context(), req.Model); err != nil {
			return err
		}
		logRequest(a.Logger, c, "http_load", p.Type(), req.Model)
		return c.JSON(modelResponse{
			Model:     req.Model,
			Provider:  p.Type(),
			Status:    "loaded",
			ElapsedMS: time.Since(started).Milliseconds(),
		})
	})

	v1.Delete("/models", func(c fiber.Ctx) error {
		var req modelRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		p, err := resolveProvider(a, req.Model)
		if err != nil {
			return err
		}
		started := time.Now()
		if err := p.DeleteModel(c.Context(), req.Model); err != nil {
			return err
		}
		logRequest(a.Logger, c, "http_delete", p.Type(), req.Model)
		return c.JSON(modelResponse{
			Model:     req.Model,
			Provider:  p.Type(),
			Status:    "deleted",
			ElapsedMS: time.Since(started).Milliseconds(),
		})
	})

	v1.Post("/transcriptions", func(c fiber.Ctx) error {
		var req transcriptionRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if strings.TrimSpace(req.AudioPath) == "" {
			return fmt.Errorf("%w: audio_path is required", server.ErrBadRequest)
		}
		if err := req.Options.Validate(); err != nil {
			return fmt.Errorf("%w: %v", server.ErrBadRequest, err)
		}
		p, err := resolveProvider(a, req.Model)
		if err != nil {
			return err
		}

		ctx := c.Context()
		started := time.Now()
		if req.LoadIfNeeded && !p.IsModelLoadedInMemory(req.Model) {
			if err := p.LoadModelIntoMemory(ctx, req.Model); err != nil {
				return err
			}
		}
		text, err := p.Transcribe(ctx, req.AudioPath, req.Model, req.Options, nil)
		if err != nil {
			return err
		}
		logRequest(a.Logger, c, "http_transcribe", p.Type(), req.Model)
		return c.JSON(transcriptionResponse{
			Model:     req.Model,
			Provider:  p.Type(),
			Text:      text,
			ElapsedMS: time.Since(started).Milliseconds(),
		})
	})
}

// decodeBody 解析 JSON 请求体，并要求 model 字段非空。
func decodeBody(c fiber.Ctx, out interface{}) error {
	body := c.Body()
	if len(body) == 0 {
		return fmt.Errorf("%w: request body is required", server.ErrBadRequest)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", server.ErrBadRequest, err)
	}
	var model string
	switch v := out.(type) {
	case *modelRequest:
		v.Model = strings.TrimSpace(v.Model)
		model = v.Model
	case *transcriptionRequest:
		v.Model = strings.TrimSpace(v.Model)
		model = v.Model
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", server.ErrBadRequest)
	}
	return nil
}

func resolveProvider(a *app.App, model string) (provider.TranscriptionProvider, error) {
	return a.Router.ProviderForModel(model)
}

func logRequest(logger *logrus.Logger, c fiber.Ctx, action string, t provider.Type, model string) {
	logger.WithFields(logging.ModelFields(action, string(t), model)).
		WithField("request_id", server.RequestID(c)).
		Info("model request served")
}
