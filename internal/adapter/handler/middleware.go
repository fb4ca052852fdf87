package handler

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/config"
	"github.com/rl1809/stockflow/internal/port"
)

type (
	actorKey    struct{}
	authFailKey struct{}
	clientIPKey struct{}
)

// WithActor stores the authenticated username on ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the authenticated username, or "" for anonymous
// requests.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Identify checks HTTP Basic credentials when present and records the
// result on the request. It never rejects; RequireUser does.
func Identify(auth port.Authenticator, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			actor, err := auth.Authenticate(ctx, username, password)
			if err != nil {
				logger.Debug().Err(err).Str("username", username).Msg("authentication failed")
				ctx = context.WithValue(ctx, authFailKey{}, true)
			} else {
				ctx = WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects requests that Identify could not attach a user to.
func RequireUser() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ActorFromContext(r.Context()) != "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("WWW-Authenticate", `Basic realm="stockflow"`)
			if failed, _ := r.Context().Value(authFailKey{}).(bool); failed {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
				return
			}
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		})
	}
}

// RealIP resolves the client address. X-Forwarded-For is only honoured when
// the direct peer is a trusted proxy; the client is then the right-most
// untrusted hop.
func RealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := peerIP(r)
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && isTrusted(trusted, ip) {
				hops := strings.Split(fwd, ",")
				for i := len(hops) - 1; i >= 0; i-- {
					hop := strings.TrimSpace(hops[i])
					if hop == "" {
						continue
					}
					ip = hop
					if !isTrusted(trusted, hop) {
						break
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip)))
		})
	}
}

func isTrusted(trusted []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RateLimit enforces every rule per client address and user; requests
// without a verified user share the address's "anon" budget. A limiter error
// lets the request through.
func RateLimit(limiter port.RateLimiter, rules []config.RateRule, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			for _, rule := range rules {
				ok, err := limiter.Allow(r.Context(), key+":"+rule.Name, rule.Limit, rule.Window)
				if err != nil {
					logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
					break
				}
				if !ok {
					w.Header().Set("Retry-After", retryAfter(rule.Window))
					writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	user := ActorFromContext(r.Context())
	if user == "" {
		user = "anon"
	}
	return clientIP(r) + "_" + user
}

func retryAfter(window time.Duration) string {
	secs := int(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// RequestLogger logs one line per request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Str("remote_addr", clientIP(r)).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok {
		return ip
	}
	return peerIP(r)
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
