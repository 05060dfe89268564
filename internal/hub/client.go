package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/config"
	"github.com/voxhub/voxhub/internal/logging"
	"github.com/voxhub/voxhub/internal/version"
)

// DefaultEndpoint 是公共 Hugging Face Hub 地址。
const DefaultEndpoint = "https://huggingface.co"

const defaultRevision = "main"

var (
	// ErrNotFound 表示仓库或文件不存在。
	ErrNotFound = errors.New("hub: not found")
	// ErrUnauthorized 表示访问被拒绝（401/403），通常是缺少或错误的令牌。
	ErrUnauthorized = errors.New("hub: unauthorized")
	// ErrUpstream 表示 Hub 返回了其他非 2xx 状态。
	ErrUpstream = errors.New("hub: upstream error")
)

// File 描述仓库中的一个文件。SHA256 仅在 LFS 文件上可用。
type File struct {
	Path   string
	Size   int64
	SHA256 string
}

// Download 是一个打开的文件流，调用方负责 Close。
type Download struct {
	Body io.ReadCloser
	// Size 为 -1 表示服务端未提供长度。
	Size int64
	URL  string
}

// Client 访问 Hub 的 REST 接口。
type Client struct {
	http      *http.Client
	endpoint  *url.URL
	token     string
	userAgent string
	logger    *logrus.Logger
}

// New 根据全局配置构建 Client。
func New(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	endpoint, token := DefaultEndpoint, ""
	if cfg != nil {
		if cfg.Global.HubEndpoint != "" {
			endpoint = cfg.Global.HubEndpoint
		}
		token = cfg.Global.HubToken
	}
	return NewClient(endpoint, token, NewHTTPClient(cfg), logger)
}

// NewClient 使用显式参数构建 Client，httpClient 为空时使用默认传输。
func NewClient(endpoint, token string, httpClient *http.Client, logger *logrus.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid hub endpoint: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid hub endpoint %q", endpoint)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(nil)
	}
	return &Client{
		http:      httpClient,
		endpoint:  parsed,
		token:     strings.TrimSpace(token),
		userAgent: version.UserAgent(),
		logger:    logging.OrDiscard(logger),
	}, nil
}

// Endpoint 返回 Hub 根地址。
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		Oid  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs"`
}

// ListFiles 递归列出 repo 的全部文件，按路径排序。
func (c *Client) ListFiles(ctx context.Context, repo string) ([]File, error) {
	repo, err := cleanRepo(repo)
	if err != nil {
		return nil, err
	}

	target := c.endpoint.JoinPath("api", "models")
	target = target.JoinPath(strings.Split(repo, "/")...)
	target = target.JoinPath("tree", defaultRevision)
	target.RawQuery = url.Values{"recursive": {"true"}}.Encode()

	resp, err := c.do(ctx, http.MethodGet, target.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: decode tree for %s: %v", ErrUpstream, repo, err)
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.Type != "" && e.Type != "file" {
			continue
		}
		f := File{Path: e.Path, Size: e.Size}
		if e.LFS != nil {
			f.SHA256 = strings.ToLower(e.LFS.Oid)
			if e.LFS.Size > 0 {
				f.Size = e.LFS.Size
			}
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// FileURL 返回 repo 内文件的下载地址。
func (c *Client) FileURL(repo, file string) string {
	u := c.endpoint.JoinPath(strings.Split(repo, "/")...)
	u = u.JoinPath("resolve", defaultRevision)
	u = u.JoinPath(strings.Split(file, "/")...)
	return u.String()
}

// Open 发起文件下载并返回响应流。
func (c *Client) Open(ctx context.Context, repo, file string) (*Download, error) {
	repo, err := cleanRepo(repo)
	if err != nil {
		return nil, err
	}
	file = strings.TrimPrefix(path.Clean("/"+file), "/")
	if file == "" || file == "." {
		return nil, fmt.Errorf("%w: empty file path", ErrNotFound)
	}

	target := c.FileURL(repo, file)
	started := time.Now()
	resp, err := c.do(ctx, http.MethodGet, target)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"action":     "hub_open",
		"url":        target,
		"size_bytes": resp.ContentLength,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Debug("hub download started")
	return &Download{Body: resp.Body, Size: resp.ContentLength, URL: target}, nil
}

func (c *Client) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"action": "hub_request",
		"url":    target,
		"status": resp.StatusCode,
	}).Warn("hub request rejected")

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s (status %d)", ErrUnauthorized, target, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: %s (status %d)", ErrUpstream, target, resp.StatusCode)
	}
}

func cleanRepo(repo string) (string, error) {
	repo = strings.Trim(strings.TrimSpace(repo), "/")
	parts := strings.Split(repo, "/")
	if repo == "" || len(parts) > 2 {
		return "", fmt.Errorf("%w: invalid repository %q", ErrNotFound, repo)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", fmt.Errorf("%w: invalid repository %q", ErrNotFound, repo)
		}
	}
	return repo, nil
}
