// Package router assembles the public HTTP surface: the bid and event endpoints
// behind rate limiting and CORS, plus the liveness probe.
package router

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/admediary/bidgate/analytics/tracker"
	"github.com/admediary/bidgate/endpoints"
	"github.com/admediary/bidgate/errortypes"
	"github.com/admediary/bidgate/exchange"
	"github.com/admediary/bidgate/metrics"
	"github.com/admediary/bidgate/ratelimit"
)

// Router is the public mux. It embeds httprouter so server code can treat it as
// a plain http.Handler.
type Router struct {
	*httprouter.Router
}

// Deps carries the constructed service objects the endpoints close over.
type Deps struct {
	Exchange *exchange.Exchange
	Tracker  *tracker.Tracker
	Metrics  metrics.Engine

	// Limiter nil disables rate limiting.
	Limiter *ratelimit.Limiter

	MaxRequestBytes int64
}

// New builds the route table. The status probe intentionally bypasses the rate
// limiter so health checks cannot be starved by SDK traffic from the same host.
func New(deps Deps) *Router {
	r := &Router{Router: httprouter.New()}

	bidHandler := endpoints.NewBidEndpoint(deps.Exchange, deps.Tracker, deps.Metrics, deps.MaxRequestBytes)
	eventHandler := endpoints.NewEventEndpoint(deps.Tracker)

	r.POST("/v1/bid", withRateLimit(deps.Limiter, bidHandler))
	r.POST("/v1/event", withRateLimit(deps.Limiter, eventHandler))
	r.GET("/status", endpoints.NewStatusEndpoint())

	return r
}

func withRateLimit(limiter *ratelimit.Limiter, next httprouter.Handle) httprouter.Handle {
	if limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if err := limiter.Allow(r.Context(), clientIP(r)); err != nil {
			writeRateLimited(w, err)
			return
		}
		next(w, r, params)
	}
}

// clientIP prefers the first X-Forwarded-For hop, since the gateway normally
// sits behind a load balancer and RemoteAddr would be the balancer itself.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if comma := strings.IndexByte(fwd, ','); comma != -1 {
			fwd = fwd[:comma]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, err error) {
	var limited *errortypes.RateLimited
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "rate limit exceeded",
	})
}

// SupportCORS wraps the router for browser-originated SDK integrations.
func SupportCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept"}})
	return c.Handler(handler)
}
