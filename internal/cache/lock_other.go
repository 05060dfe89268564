//go:build !unix && !windows

package cache

import "os"

// 不支持文件锁的平台上只保留进程内互斥。
func tryLockFile(*os.File, bool) (bool, error) { return true, nil }

func unlockFile(*os.File) error { return nil }
