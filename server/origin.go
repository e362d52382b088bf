package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ceyewan/genesis/clog"
)

// originChecker 精确匹配的 Origin 白名单。
// 配置项与请求头都先归一化为小写的 scheme://host 再比较。
type originChecker struct {
	allowed map[string]struct{}
	logger  clog.Logger
}

func newOriginChecker(origins []string, logger clog.Logger) *originChecker {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		normalized, ok := normalizeOrigin(strings.TrimSpace(origin))
		if !ok {
			logger.Warn("ignoring invalid origin in configuration",
				clog.String("origin", origin))
			continue
		}
		allowed[normalized] = struct{}{}
	}
	return &originChecker{allowed: allowed, logger: logger}
}

func normalizeOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed 校验请求的 Origin 头。缺失或不在白名单内都拒绝。
func (oc *originChecker) Allowed(r *http.Request) bool {
	normalized, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}
	_, exists := oc.allowed[normalized]
	return exists
}
