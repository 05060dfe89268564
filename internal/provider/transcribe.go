package provider

import (
	"context"
	"errors"
	"math"

	"github.com/voxhub/voxhub/internal/engine"
)

// transcriptionSteps 是转写进度的分母。
const transcriptionSteps = 100

// RunTranscription 是各 Provider 共用的转写流程：校验选项，在常驻槽位上执行，
// 并把运行时的 0..1 进度换算为 0..100 的单调进度，成功时以完成态结束。
func RunTranscription(ctx context.Context, slot *Slot, t Type, audioPath, modelName string, opts TranscriptionOptions, progress ProgressFunc) (string, error) {
	// 未加载的模型优先报告 ModelLoadFailed，与参数是否合法无关。
	if !slot.IsResident(modelName) {
		return "", LoadFailed(t, modelName, ErrNotResident)
	}
	if err := opts.Validate(); err != nil {
		return "", TranscriptionFailed(t, modelName, err)
	}
	if audioPath == "" {
		return "", TranscriptionFailed(t, modelName, errors.New("audio path is required"))
	}

	reporter := NewReporter(progress, transcriptionSteps, "transcribing")
	var text string
	err := slot.Use(modelName, func(session engine.Session) error {
		reporter.Start()
		var runErr error
		text, runErr = session.Transcribe(ctx, opts.Request(audioPath), func(fraction float64) {
			reporter.Update(int64(math.Round(fraction * transcriptionSteps)))
		})
		return runErr
	})
	if err != nil {
		if errors.Is(err, ErrNotResident) {
			return "", LoadFailed(t, modelName, err)
		}
		return "", TranscriptionFailed(t, modelName, err)
	}
	reporter.Finish()
	return text, nil
}
