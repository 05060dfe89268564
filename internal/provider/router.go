package provider

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MatchKind 决定规则如何比较模型名。
type MatchKind string

const (
	MatchPrefix   MatchKind = "prefix"
	MatchSuffix   MatchKind = "suffix"
	MatchContains MatchKind = "contains"
	MatchExact    MatchKind = "exact"
	MatchRegexp   MatchKind = "regexp"
)

// Rule 把一组模式映射到 Provider 类型。Patterns 中任意一个命中即视为匹配。
type Rule struct {
	Match    MatchKind
	Patterns []string
	Type     Type

	re []*regexp.Regexp
}

// Prefix/Suffix/Contains/Exact/Regexp 是构造 Rule 的便捷函数。
func Prefix(t Type, patterns ...string) Rule   { return Rule{Match: MatchPrefix, Patterns: patterns, Type: t} }
func Suffix(t Type, patterns ...string) Rule   { return Rule{Match: MatchSuffix, Patterns: patterns, Type: t} }
func Contains(t Type, patterns ...string) Rule { return Rule{Match: MatchContains, Patterns: patterns, Type: t} }
func Exact(t Type, patterns ...string) Rule    { return Rule{Match: MatchExact, Patterns: patterns, Type: t} }
func Regexp(t Type, patterns ...string) Rule   { return Rule{Match: MatchRegexp, Patterns: patterns, Type: t} }

// WhisperSizes 是按名称直接路由到 whispercpp 的标准尺寸。
var WhisperSizes = []string{
	"tiny", "tiny.en",
	"base", "base.en",
	"small", "small.en",
	"medium", "medium.en",
	"large-v2", "large-v3", "large-v3-turbo",
}

// DefaultRules 返回默认规则表，按顺序求值，首个命中者生效：
//  1. 前缀 mlx-community/ → mlx
//  2. 后缀 -mlx → mlx
//  3. 前缀 mlx- → mlx
//  4. 前缀 ggml- → whispercpp
//  5. 标准尺寸名 → whispercpp
//  6. 包含 whisper → whispercpp
func DefaultRules() []Rule {
	return []Rule{
		Prefix(TypeMLX, "mlx-community/"),
		Suffix(TypeMLX, "-mlx"),
		Prefix(TypeMLX, "mlx-"),
		Prefix(TypeWhisperCpp, "ggml-"),
		Exact(TypeWhisperCpp, WhisperSizes...),
		Contains(TypeWhisperCpp, "whisper"),
	}
}

func (r *Rule) compile() error {
	if r.Type == "" {
		return errors.New("rule type is required")
	}
	if len(r.Patterns) == 0 {
		return fmt.Errorf("rule for %s has no patterns", r.Type)
	}
	r.Type = ParseType(string(r.Type))
	normalized := make([]string, len(r.Patterns))
	for i, p := range r.Patterns {
		// 正则只去空白：\D、\W 等转义区分大小写，改为以 (?i) 忽略大小写。
		if r.Match == MatchRegexp {
			normalized[i] = strings.TrimSpace(p)
		} else {
			normalized[i] = normalizeModelName(p)
		}
		if normalized[i] == "" {
			return fmt.Errorf("rule for %s has an empty pattern", r.Type)
		}
	}
	r.Patterns = normalized

	switch r.Match {
	case MatchPrefix, MatchSuffix, MatchContains, MatchExact:
	case MatchRegexp:
		r.re = make([]*regexp.Regexp, len(r.Patterns))
		for i, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return fmt.Errorf("rule for %s: %w", r.Type, err)
			}
			r.re[i] = re
		}
	default:
		return fmt.Errorf("unknown match kind %q", r.Match)
	}
	return nil
}

// matches 要求 name 已归一化。
func (r Rule) matches(name string) bool {
	for i, p := range r.Patterns {
		var ok bool
		switch r.Match {
		case MatchPrefix:
			ok = strings.HasPrefix(name, p)
		case MatchSuffix:
			ok = strings.HasSuffix(name, p)
		case MatchContains:
			ok = strings.Contains(name, p)
		case MatchExact:
			ok = name == p
		case MatchRegexp:
			ok = r.re[i].MatchString(name)
		}
		if ok {
			return true
		}
	}
	return false
}

// Router 按有序规则把模型名解析为 Provider 类型，再从 Registry 取实例。
// 规则在构造后不可变，因此相同输入总是得到相同结果。
type Router struct {
	registry *Registry
	rules    []Rule
}

// NewRouter 构建 Router；未提供规则时使用 DefaultRules。
func NewRouter(registry *Registry, rules ...Rule) (*Router, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled := make([]Rule, len(rules))
	for i, rule := range rules {
		rule.Patterns = append([]string(nil), rule.Patterns...)
		if err := rule.compile(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		compiled[i] = rule
	}
	return &Router{registry: registry, rules: compiled}, nil
}

// Rules 返回规则副本。
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// ProviderTypeFor 返回首个命中规则的类型，没有规则命中时返回 ModelNotSupported。
func (r *Router) ProviderTypeFor(modelName string) (Type, error) {
	name := normalizeModelName(modelName)
	if name == "" {
		return "", NotSupported(modelName)
	}
	for _, rule := range r.rules {
		if rule.matches(name) {
			return rule.Type, nil
		}
	}
	return "", NotSupported(modelName)
}

// ProviderForModel 返回负责该模型的实例；类型已解析但未注册时返回 ProviderNotRegistered。
func (r *Router) ProviderForModel(modelName string) (TranscriptionProvider, error) {
	t, err := r.ProviderTypeFor(modelName)
	if err != nil {
		return nil, err
	}
	p, ok := r.registry.lookup(t)
	if !ok {
		return nil, NotRegistered(t)
	}
	return p, nil
}

func normalizeModelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
