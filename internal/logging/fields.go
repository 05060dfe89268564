package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ModelFields 提供 provider/model 字段，供下载、加载、转写日志复用。
func ModelFields(action, providerType, model string) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"provider": providerType,
		"model":    model,
	}
}

// CacheFields 描述一次缓存操作涉及的条目与容量。
func CacheFields(action, model string, sizeBytes int64) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"model":      model,
		"size_bytes": sizeBytes,
	}
}
