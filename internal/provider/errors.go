package provider

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound          = errors.New("model not found")
	ErrModelDownloadFailed    = errors.New("model download failed")
	ErrModelLoadFailed        = errors.New("model load failed")
	ErrTranscriptionFailed    = errors.New("transcription failed")
	ErrUnsupportedModelFormat = errors.New("unsupported model format")
	ErrProviderNotAvailable   = errors.New("provider not available")
	ErrProviderNotRegistered  = errors.New("provider not registered")
	ErrModelNotSupported      = errors.New("model not supported")

	// ErrNotResident 是 ModelLoadFailed 的常见原因：请求的模型不是当前常驻模型。
	ErrNotResident = errors.New("model not resident")
)

var kinds = []error{
	ErrModelNotFound,
	ErrModelDownloadFailed,
	ErrModelLoadFailed,
	ErrTranscriptionFailed,
	ErrUnsupportedModelFormat,
	ErrProviderNotAvailable,
	ErrProviderNotRegistered,
	ErrModelNotSupported,
}

// Error 携带错误类别、上下文与底层原因。
// errors.Is 同时匹配类别哨兵与原因链。
type Error struct {
	Kind     error
	Provider Type
	Model    string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	switch {
	case e.Provider != "" && e.Model != "":
		msg = fmt.Sprintf("%s: %s %q", e.Provider, msg, e.Model)
	case e.Provider != "":
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	case e.Model != "":
		msg = fmt.Sprintf("%s %q", msg, e.Model)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf 返回 err 所属的类别哨兵，无法识别时返回 nil。
func KindOf(err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func NotFound(p Type, model string) error {
	return &Error{Kind: ErrModelNotFound, Provider: p, Model: model}
}

func DownloadFailed(p Type, model string, cause error) error {
	return &Error{Kind: ErrModelDownloadFailed, Provider: p, Model: model, Err: cause}
}

func LoadFailed(p Type, model string, cause error) error {
	return &Error{Kind: ErrModelLoadFailed, Provider: p, Model: model, Err: cause}
}

func TranscriptionFailed(p Type, model string, cause error) error {
	return &Error{Kind: ErrTranscriptionFailed, Provider: p, Model: model, Err: cause}
}

func UnsupportedFormat(p Type, model string, cause error) error {
	return &Error{Kind: ErrUnsupportedModelFormat, Provider: p, Model: model, Err: cause}
}

func NotAvailable(p Type, cause error) error {
	return &Error{Kind: ErrProviderNotAvailable, Provider: p, Err: cause}
}

func NotRegistered(p Type) error {
	return &Error{Kind: ErrProviderNotRegistered, Provider: p}
}

func NotSupported(model string) error {
	return &Error{Kind: ErrModelNotSupported, Model: model}
}
