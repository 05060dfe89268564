package provider

import (
	"context"
	"sync"
)

// Coalescer 把同一 key 的并发下载合并为一次传输，并把进度分发给所有等待者。
// 传输在 context.WithoutCancel 派生的上下文中运行，单个调用方放弃等待不会中断其他调用方。
type Coalescer struct {
	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	done chan struct{}
	err  error

	mu       sync.Mutex
	nextID   int
	subs     map[int]ProgressFunc
	last     *Progress
	finished bool
}

// NewCoalescer 返回空 Coalescer。
func NewCoalescer() *Coalescer {
	return &Coalescer{flights: make(map[string]*flight)}
}

// Do 执行或加入 key 对应的传输。fn 通过 report 发布进度；成功结束时每个仍在等待的调用方
// 都会收到一次 Finished 进度。返回值 shared 表示本次调用加入了已有传输。
func (c *Coalescer) Do(ctx context.Context, key string, progress ProgressFunc, fn func(ctx context.Context, report ProgressFunc) error) (shared bool, err error) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if !ok {
		f = &flight{done: make(chan struct{}), subs: make(map[int]ProgressFunc)}
		c.flights[key] = f
	}
	id := f.subscribe(progress)
	c.mu.Unlock()
	defer f.unsubscribe(id)

	if !ok {
		go c.run(context.WithoutCancel(ctx), key, f, fn)
	}

	select {
	case <-f.done:
		return ok, f.err
	case <-ctx.Done():
		return ok, ctx.Err()
	}
}

// InFlight 返回当前进行中的传输数量。
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

func (c *Coalescer) run(ctx context.Context, key string, f *flight, fn func(ctx context.Context, report ProgressFunc) error) {
	err := fn(ctx, f.broadcast)
	if err == nil {
		f.finish()
	}

	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()

	f.err = err
	close(f.done)
}

func (f *flight) subscribe(fn ProgressFunc) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if fn == nil {
		return f.nextID
	}
	f.subs[f.nextID] = fn
	if f.last != nil {
		// 迟到者先收到当前进度，之后与其他调用方同步。
		fn(*f.last)
	}
	return f.nextID
}

func (f *flight) unsubscribe(id int) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

func (f *flight) broadcast(p Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	if p.Finished {
		f.finished = true
	}
	f.last = &p
	for _, fn := range f.subs {
		fn(p)
	}
}

// finish 在 fn 未自行发布终态时补发一次。
func (f *flight) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true
	p := Progress{Finished: true}
	if f.last != nil {
		p.Total = f.last.Total
		p.Description = f.last.Description
	}
	if p.Total == 0 && f.last != nil {
		p.Total = f.last.Completed
	}
	p.Completed = p.Total
	f.last = &p
	for _, fn := range f.subs {
		fn(p)
	}
}
