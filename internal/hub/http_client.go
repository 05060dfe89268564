package hub

import (
	"net"
	"net/http"
	"time"

	"github.com/voxhub/voxhub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          32,
	MaxIdleConnsPerHost:   8,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient 返回用于模型下载的 http.Client。
// 模型文件可能有数 GB，因此不设置整体 Timeout，只限制等待响应头的时间；取消由 ctx 负责。
func NewHTTPClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second
	if cfg != nil && cfg.Global.ResponseHeaderTimeout.DurationValue() > 0 {
		transport.ResponseHeaderTimeout = cfg.Global.ResponseHeaderTimeout.DurationValue()
	}
	return &http.Client{Transport: transport}
}
