// 本文件用于跨域与令牌鉴权中间件
// 边界与容错：未配置令牌或令牌为未展开的占位符时放行 API_AUTH_DISABLED=true 可显式关闭鉴权

package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"policy-store/internal/models"
)

const (
	authHeader  = "Authorization"
	tokenHeader = "X-API-Token"
)

func withCORS(cfg *models.Config, next http.Handler) http.Handler {
	allowed := parseOrigins(cfg)
	authOn := authEnabled(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !originAllowed(origin, r.Host, allowed, authOn) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withAPIAuth(cfg *models.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authEnabled(cfg) || r.Method == http.MethodOptions || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !tokenMatches(requestToken(r), cfg.APIAuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// 健康检查与指标接口供探针和采集端使用 不要求令牌
func publicPath(path string) bool {
	return path == "/api/health" || path == "/metrics"
}

func authEnabled(cfg *models.Config) bool {
	if cfg == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("API_AUTH_DISABLED")), "true") {
		return false
	}
	token := strings.TrimSpace(cfg.APIAuthToken)
	if token == "" {
		return false
	}
	return !(strings.HasPrefix(token, "${") && strings.HasSuffix(token, "}"))
}

func requestToken(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get(authHeader)); raw != "" {
		if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
			return strings.TrimSpace(raw[7:])
		}
		return raw
	}
	return strings.TrimSpace(r.Header.Get(tokenHeader))
}

func tokenMatches(got, want string) bool {
	want = strings.TrimSpace(want)
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func parseOrigins(cfg *models.Config) map[string]struct{} {
	out := map[string]struct{}{}
	if cfg == nil {
		return out
	}
	for _, part := range strings.Split(cfg.APICORSOrigins, ",") {
		origin := strings.TrimRight(strings.TrimSpace(part), "/")
		if origin != "" {
			out[origin] = struct{}{}
		}
	}
	return out
}

// originAllowed 显式白名单优先 未配置白名单时开启鉴权只放行回环与同主机来源
func originAllowed(origin, host string, allowed map[string]struct{}, authOn bool) bool {
	if len(allowed) > 0 {
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
	if !authOn {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	originHost := u.Hostname()
	if isLoopback(originHost) {
		return true
	}
	return strings.EqualFold(originHost, hostOnly(host))
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
