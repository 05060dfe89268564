package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// AudioFormat 标识音频容器。
type AudioFormat string

const (
	FormatWAV  AudioFormat = "wav"
	FormatFLAC AudioFormat = "flac"
	FormatOGG  AudioFormat = "ogg"
	FormatMP3  AudioFormat = "mp3"
	FormatMP4  AudioFormat = "m4a"
)

// AudioInfo 是音频头部的摘要。只有 WAV 会解析采样参数与时长。
type AudioInfo struct {
	Format     AudioFormat
	SampleRate int
	Channels   int
	Duration   time.Duration
	SizeBytes  int64
}

// InspectAudio 通过文件头识别音频格式，拒绝空文件与未知格式。
func InspectAudio(path string) (AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return AudioInfo{}, err
	}
	if stat.IsDir() {
		return AudioInfo{}, fmt.Errorf("%w: %s is a directory", ErrUnsupportedAudio, path)
	}

	head := make([]byte, 12)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return AudioInfo{}, err
	}
	head = head[:n]

	info := AudioInfo{SizeBytes: stat.Size()}
	switch {
	case len(head) == 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		info.Format = FormatWAV
		if err := readWAVChunks(f, &info); err != nil {
			return AudioInfo{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedAudio, path, err)
		}
	case bytes.HasPrefix(head, []byte("fLaC")):
		info.Format = FormatFLAC
	case bytes.HasPrefix(head, []byte("OggS")):
		info.Format = FormatOGG
	case bytes.HasPrefix(head, []byte("ID3")), len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		info.Format = FormatMP3
	case len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")):
		info.Format = FormatMP4
	default:
		return AudioInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedAudio, path)
	}
	return info, nil
}

// readWAVChunks 遍历 RIFF 子块，读取 fmt 与 data 并推算时长。
func readWAVChunks(r io.Reader, info *AudioInfo) error {
	var byteRate uint32
	var sawFormat bool
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if sawFormat {
				return errors.New("missing data chunk")
			}
			return errors.New("missing fmt chunk")
		}
		id := string(header[0:4])
		size := binary.LittleEndian.Uint32(header[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return errors.New("fmt chunk too short")
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return errors.New("truncated fmt chunk")
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			byteRate = binary.LittleEndian.Uint32(body[8:12])
			if info.Channels == 0 || info.SampleRate == 0 {
				return errors.New("invalid fmt chunk")
			}
			sawFormat = true
			if size%2 == 1 {
				io.CopyN(io.Discard, r, 1)
			}
		case "data":
			if !sawFormat {
				return errors.New("data chunk before fmt chunk")
			}
			if size == 0 {
				return errors.New("empty data chunk")
			}
			if byteRate > 0 {
				info.Duration = time.Duration(float64(size) / float64(byteRate) * float64(time.Second))
			}
			return nil
		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return fmt.Errorf("truncated %q chunk", id)
			}
		}
	}
}
