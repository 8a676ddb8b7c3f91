package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// ActorFunc extracts the rate-limit identity from a request.
type ActorFunc func(r *http.Request) string

// ClientIP identifies callers by remote address. Run chi's RealIP
// middleware first so proxies are accounted for.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware gates a route on action. Store failures let the request
// through and are logged; the window protects against abuse, not
// against the store being down.
func (l *Limiter) Middleware(action Action, actor ActorFunc, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Check(r.Context(), action, actor(r))
			if err != nil {
				log.Error().Err(err).Str("action", string(action)).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}
			WriteHeaders(w, d)
			if !d.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"success":     false,
					"error":       ErrLimited.Code,
					"reason":      ErrLimited.Reason,
					"retry_after": int64(d.RetryAfter.Seconds()) + 1,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteHeaders sets the standard rate-limit response headers.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit < 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter.Seconds())+1, 10))
	}
}
