package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/voxhub/voxhub/internal/engine"
)

var validate = validator.New()

// TranscriptionOptions 是调用方可调整的转写参数，零值即默认行为。
type TranscriptionOptions struct {
	// Language 为空表示自动识别。
	Language    string  `json:"language,omitempty" validate:"omitempty,min=2,max=8,alpha"`
	Prompt      string  `json:"prompt,omitempty" validate:"max=1024"`
	Temperature float64 `json:"temperature,omitempty" validate:"gte=0,lte=1"`
	Threads     int     `json:"threads,omitempty" validate:"gte=0,lte=256"`
	Translate   bool    `json:"translate,omitempty"`
}

// Validate 检查字段取值范围。
func (o TranscriptionOptions) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", fe.Field(), describeTag(fe)))
	}
	return fmt.Errorf("invalid options: %s", strings.Join(msgs, "; "))
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "alpha":
		return "must contain letters only"
	default:
		return fmt.Sprintf("failed validation '%s'", fe.Tag())
	}
}

// Request 把选项转换为运行时请求。
func (o TranscriptionOptions) Request(audioPath string) engine.Request {
	return engine.Request{
		AudioPath:   audioPath,
		Language:    strings.ToLower(o.Language),
		Prompt:      o.Prompt,
		Temperature: o.Temperature,
		Threads:     o.Threads,
		Translate:   o.Translate,
	}
}
