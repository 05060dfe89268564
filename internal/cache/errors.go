package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreFailed 表示产物或索引写入失败，调用方可以重试。
	ErrStoreFailed = errors.New("cache store failed")
	// ErrValidationFailed 表示校验和不一致或校验过程中出现 I/O 错误。
	ErrValidationFailed = errors.New("cache validation failed")
	// ErrInvalidName 表示模型名为空。
	ErrInvalidName = errors.New("cache: model name required")
	// ErrCacheBusy 表示另一个进程长时间持有缓存文件锁。
	ErrCacheBusy = errors.New("cache busy: locked by another process")
)

func storeError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailed, name, err)
}

func validationError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrValidationFailed, name, err)
}
