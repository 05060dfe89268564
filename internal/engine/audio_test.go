package engine

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInspectAudioWAV(t *testing.T) {
	path := writeWAV(t, t.TempDir(), 16000, 1, 2*time.Second)

	info, err := InspectAudio(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Format != FormatWAV || info.SampleRate != 16000 || info.Channels != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Duration != 2*time.Second {
		t.Fatalf("expected 2s, got %s", info.Duration)
	}
}

func TestInspectAudioSkipsUnknownChunks(t *testing.T) {
	dir := t.TempDir()
	var buf []byte
	buf = append(buf, "RIFF\x00\x00\x00\x00WAVE"...)
	buf = append(buf, "LIST"...)
	buf = binary.LittleEndian.AppendUint32(buf, 3)
	buf = append(buf, 'a', 'b', 'c', 0)
	buf = appendFmt(buf, 8000, 2)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, 32000)
	buf = append(buf, make([]byte, 32000)...)
	path := filepath.Join(dir, "list.wav")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := InspectAudio(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Channels != 2 || info.Duration != time.Second {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestInspectAudioRecognisesContainers(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]struct {
		data []byte
		want AudioFormat
	}{
		"a.flac": {[]byte("fLaC\x00\x00\x00\x22"), FormatFLAC},
		"a.ogg":  {[]byte("OggS\x00\x02"), FormatOGG},
		"a.mp3":  {[]byte("ID3\x04\x00\x00"), FormatMP3},
		"b.mp3":  {[]byte{0xFF, 0xFB, 0x90, 0x64}, FormatMP3},
		"a.m4a":  {[]byte("\x00\x00\x00\x20ftypM4A "), FormatMP4},
	}
	for name, tc := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, tc.data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		info, err := InspectAudio(path)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if info.Format != tc.want {
			t.Fatalf("%s: expected %s, got %s", name, tc.want, info.Format)
		}
	}
}

func TestInspectAudioRejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.wav")
	text := filepath.Join(dir, "notes.txt")
	noData := filepath.Join(dir, "nodata.wav")
	os.WriteFile(empty, nil, 0o644)
	os.WriteFile(text, []byte("hello world, not audio"), 0o644)
	os.WriteFile(noData, appendFmt([]byte("RIFF\x00\x00\x00\x00WAVE"), 16000, 1), 0o644)

	for _, path := range []string{empty, text, noData, dir} {
		if _, err := InspectAudio(path); !errors.Is(err, ErrUnsupportedAudio) {
			t.Fatalf("%s: expected ErrUnsupportedAudio, got %v", path, err)
		}
	}
	if _, err := InspectAudio(filepath.Join(dir, "missing.wav")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file should surface os.ErrNotExist, got %v", err)
	}
}

// writeWAV 写入一段静音 PCM16 WAV。
func writeWAV(t *testing.T, dir string, sampleRate, channels int, d time.Duration) string {
	t.Helper()
	dataSize := int(d.Seconds() * float64(sampleRate*channels*2))
	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataSize))
	buf = append(buf, "WAVE"...)
	buf = appendFmt(buf, sampleRate, channels)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	buf = append(buf, make([]byte, dataSize)...)

	path := filepath.Join(dir, "speech.wav")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func appendFmt(buf []byte, sampleRate, channels int) []byte {
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	return buf
}
