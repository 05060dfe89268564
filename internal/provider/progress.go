package provider

import "sync"

// Progress 是一次下载或转写的进度快照。
type Progress struct {
	Completed   int64  `json:"completed"`
	Total       int64  `json:"total"`
	Finished    bool   `json:"finished"`
	Description string `json:"description,omitempty"`
}

// Fraction 返回 0..1 的完成比例。
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		if p.Finished {
			return 1
		}
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// ProgressFunc 接收进度回调，可为 nil。
type ProgressFunc func(Progress)

// Reporter 保证回调序列从 0/N 开始、单调不减，并以 N/N Finished 结束。并发安全。
type Reporter struct {
	mu          sync.Mutex
	fn          ProgressFunc
	total       int64
	last        int64
	started     bool
	finished    bool
	description string
}

// NewReporter 创建 Reporter；total 未知时传 0，Finish 时以最终进度为准。
func NewReporter(fn ProgressFunc, total int64, description string) *Reporter {
	if total < 0 {
		total = 0
	}
	return &Reporter{fn: fn, total: total, description: description}
}

// Start 发送 0/N。重复调用无效果。
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startLocked()
}

func (r *Reporter) startLocked() {
	if r.started {
		return
	}
	r.started = true
	r.emitLocked(Progress{Completed: 0, Total: r.total, Description: r.description})
}

// Update 报告累计进度。回退的值会被忽略，超过总量的值会被截断且不会标记完成。
func (r *Reporter) Update(completed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.startLocked()
	if r.total > 0 && completed >= r.total {
		// 完成只能由 Finish 宣告。
		completed = r.total - 1
	}
	if completed <= r.last {
		return
	}
	r.last = completed
	r.emitLocked(Progress{Completed: completed, Total: r.total, Description: r.description})
}

// Finish 发送终态 N/N。只生效一次。
func (r *Reporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.startLocked()
	r.finished = true
	total := r.total
	if total == 0 {
		total = r.last
	}
	r.emitLocked(Progress{Completed: total, Total: total, Finished: true, Description: r.description})
}

func (r *Reporter) emitLocked(p Progress) {
	if r.fn != nil {
		r.fn(p)
	}
}

// Completed 返回一次性终态进度回调，用于已完成的幂等操作。
func Completed(fn ProgressFunc, total int64, description string) {
	if fn == nil {
		return
	}
	fn(Progress{Completed: total, Total: total, Finished: true, Description: description})
}
