package hub

import "io"

// ProgressFunc 接收已读取字节数与总字节数（未知时为 -1）。
type ProgressFunc func(read, total int64)

// ProgressReader 在每次 Read 后回调累计进度。
type ProgressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc
}

// NewProgressReader 包装 r；fn 为空时退化为普通 Reader。
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) *ProgressReader {
	return &ProgressReader{r: r, total: total, fn: fn}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil {
			p.fn(p.read, p.total)
		}
	}
	return n, err
}

// BytesRead 返回累计读取的字节数。
func (p *ProgressReader) BytesRead() int64 {
	return p.read
}
