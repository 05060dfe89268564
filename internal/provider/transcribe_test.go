package provider

import (
	"context"
	"errors"
	"testing"
)

func TestRunTranscription(t *testing.T) {
	var slot Slot
	ctx := context.Background()
	slot.Load(ctx, "small", loader("small", nil))

	var updates []Progress
	text, err := RunTranscription(ctx, &slot, TypeWhisperCpp, "/tmp/a.wav", "small", TranscriptionOptions{}, func(p Progress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "text from small" {
		t.Fatalf("unexpected text %q", text)
	}
	if len(updates) != 3 || updates[1].Completed != 50 || !updates[2].Finished || updates[2].Completed != 100 {
		t.Fatalf("unexpected progress %+v", updates)
	}
}

func TestRunTranscriptionWrongModel(t *testing.T) {
	var slot Slot
	slot.Load(context.Background(), "small", loader("small", nil))

	_, err := RunTranscription(context.Background(), &slot, TypeWhisperCpp, "/tmp/a.wav", "base", TranscriptionOptions{}, nil)
	if !errors.Is(err, ErrModelLoadFailed) || !errors.Is(err, ErrNotResident) {
		t.Fatalf("expected ModelLoadFailed wrapping ErrNotResident, got %v", err)
	}
}

func TestRunTranscriptionResidencyCheckedBeforeOptions(t *testing.T) {
	var slot Slot
	slot.Load(context.Background(), "small", loader("small", nil))

	bad := TranscriptionOptions{Temperature: 3}
	_, err := RunTranscription(context.Background(), &slot, TypeWhisperCpp, "/tmp/a.wav", "base", bad, nil)
	if !errors.Is(err, ErrModelLoadFailed) || errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("wrong model with bad options should fail as ModelLoadFailed, got %v", err)
	}

	var empty Slot
	_, err = RunTranscription(context.Background(), &empty, TypeMLX, "", "small", bad, nil)
	if !errors.Is(err, ErrModelLoadFailed) {
		t.Fatalf("empty slot should fail as ModelLoadFailed, got %v", err)
	}
}

func TestRunTranscriptionInvalidInput(t *testing.T) {
	var slot Slot
	slot.Load(context.Background(), "small", loader("small", nil))

	_, err := RunTranscription(context.Background(), &slot, TypeMLX, "/tmp/a.wav", "small", TranscriptionOptions{Temperature: 3}, nil)
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("invalid options should fail transcription, got %v", err)
	}
	_, err = RunTranscription(context.Background(), &slot, TypeMLX, "", "small", TranscriptionOptions{}, nil)
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("missing audio should fail transcription, got %v", err)
	}
}
