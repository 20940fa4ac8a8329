package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// AuthConfig configures API-key authentication. Keys is a list of bcrypt
// hashes; the plaintext key arrives in X-API-Key or a bearer token.
type AuthConfig struct {
	Enabled bool
	Keys    []string
}

// AuthMiddleware validates API keys
type AuthMiddleware struct {
	config AuthConfig
	logger *slog.Logger
}

// NewAuthMiddleware creates an auth middleware
func NewAuthMiddleware(config AuthConfig, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{config: config, logger: logger}
}

// RequireKey rejects requests that carry no valid API key
func (am *AuthMiddleware) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				key = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if key == "" || !am.validKey(key) {
			am.logger.Warn("rejected unauthenticated API request",
				"path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "valid API key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (am *AuthMiddleware) validKey(key string) bool {
	for _, hash := range am.config.Keys {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// RateLimitConfig configures per-client request limiting
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	TrustedProxies    []string
}

// RateLimitMiddleware applies a token bucket per client IP
type RateLimitMiddleware struct {
	mu             sync.RWMutex
	limiters       map[string]*rate.Limiter
	rate           rate.Limit
	burst          int
	enabled        bool
	stopCleanup    chan struct{}
	trustedProxies []*net.IPNet
}

// NewRateLimitMiddleware creates a rate limit middleware
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	if !config.Enabled {
		return &RateLimitMiddleware{enabled: false}
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 10.0
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 20
	}

	var trusted []*net.IPNet
	for _, proxy := range config.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, cidr, err := net.ParseCIDR(proxy); err == nil {
				trusted = append(trusted, cidr)
			}
			continue
		}
		if ip := net.ParseIP(proxy); ip != nil {
			mask := net.CIDRMask(128, 128)
			if ip.To4() != nil {
				mask = net.CIDRMask(32, 32)
			}
			trusted = append(trusted, &net.IPNet{IP: ip, Mask: mask})
		}
	}

	rl := &RateLimitMiddleware{
		limiters:       make(map[string]*rate.Limiter),
		rate:           rate.Limit(rps),
		burst:          burst,
		enabled:        true,
		stopCleanup:    make(chan struct{}),
		trustedProxies: trusted,
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the background limiter cleanup
func (rl *RateLimitMiddleware) Stop() {
	if rl.enabled && rl.stopCleanup != nil {
		close(rl.stopCleanup)
	}
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			if len(rl.limiters) > 1000 {
				rl.limiters = make(map[string]*rate.Limiter)
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimitMiddleware) getLimiter(ip string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.limiters[ip]
	rl.mu.RUnlock()
	if ok {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok = rl.limiters[ip]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[ip] = limiter
	return limiter
}

// Limit applies the per-client limit
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}
		ip := extractIP(r, rl.trustedProxies)
		if !rl.getLimiter(ip).Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP returns the client IP, honoring forwarded headers only when the
// direct peer is a trusted proxy.
func extractIP(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if len(trustedProxies) > 0 && isTrustedProxy(remoteIP, trustedProxies) {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ips := strings.Split(forwarded, ",")
			for i := len(ips) - 1; i >= 0; i-- {
				candidate := strings.TrimSpace(ips[i])
				if candidate != "" && !isTrustedProxy(candidate, trustedProxies) {
					return candidate
				}
			}
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return realIP
		}
	}
	return remoteIP
}

func isTrustedProxy(ipStr string, trustedProxies []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range trustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// CORSConfig configures cross-origin access
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
}

// CORSMiddleware sets cross-origin headers for allowed origins
type CORSMiddleware struct {
	config CORSConfig
}

// NewCORSMiddleware creates a CORS middleware
func NewCORSMiddleware(config CORSConfig) *CORSMiddleware {
	return &CORSMiddleware{config: config}
}

// Handler applies CORS headers and answers preflight requests
func (cm *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cm.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		if origin != "" && cm.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (cm *CORSMiddleware) originAllowed(origin string) bool {
	for _, allowed := range cm.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one line per request
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("api request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", r.RemoteAddr)
		})
	}
}
