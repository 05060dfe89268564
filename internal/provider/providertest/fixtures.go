package providertest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/voxhub/voxhub/internal/provider"
)

// WriteWAV 在 dir 下写入一秒的 16kHz 单声道静音 WAV，返回文件路径。
func WriteWAV(tb testing.TB, dir, name string) string {
	tb.Helper()
	const sampleRate, channels = 16000, 1
	dataSize := sampleRate * channels * 2

	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataSize))
	buf = append(buf, "WAVEfmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, channels)
	buf = binary.LittleEndian.AppendUint32(buf, sampleRate)
	buf = binary.LittleEndian.AppendUint32(buf, sampleRate*channels*2)
	buf = binary.LittleEndian.AppendUint16(buf, channels*2)
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	buf = append(buf, make([]byte, dataSize)...)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		tb.Fatalf("write wav: %v", err)
	}
	return path
}

// Recorder 并发安全地记录进度回调。
type Recorder struct {
	mu   sync.Mutex
	seen []provider.Progress
}

// Record 可直接作为 provider.ProgressFunc 使用。
func (r *Recorder) Record(p provider.Progress) {
	r.mu.Lock()
	r.seen = append(r.seen, p)
	r.mu.Unlock()
}

// Updates 返回已记录进度的副本。
func (r *Recorder) Updates() []provider.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]provider.Progress(nil), r.seen...)
}

// CheckMonotonic 校验进度从 0 开始、单调不减，并以 Finished 的 N/N 结束。
func (r *Recorder) CheckMonotonic(tb testing.TB) {
	tb.Helper()
	updates := r.Updates()
	if len(updates) == 0 {
		tb.Fatalf("no progress reported")
	}
	last := updates[len(updates)-1]
	if !last.Finished || last.Completed != last.Total {
		tb.Fatalf("final update must be finished N/N, got %+v", last)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Completed < updates[i-1].Completed {
			tb.Fatalf("progress went backwards at %d: %+v", i, updates)
		}
	}
	for i, u := range updates[:len(updates)-1] {
		if u.Finished {
			tb.Fatalf("update %d marked finished before the end: %+v", i, updates)
		}
	}
}
