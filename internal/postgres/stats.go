package postgres

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type statsKey struct{}

type methodKey struct{}

// ReqDBStats counts the queries issued while serving one request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records one finished query.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Totals returns a consistent copy of the counters.
func (s *ReqDBStats) Totals() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewReqDBStatsContext attaches empty stats to ctx.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the stats attached by NewReqDBStatsContext.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod labels queries issued under ctx with an HTTP method.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

func methodFromContext(ctx context.Context) string {
	m, _ := ctx.Value(methodKey{}).(string)
	return m
}

// RequestStats labels queries issued while serving r with its HTTP method
// and logs a per-request query summary once the handler returns.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		s, _ := ReqDBStatsFromContext(ctx)
		queries, total, errs := s.Totals()
		if queries == 0 {
			return
		}
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db.queries", queries,
			"db.errors", errs,
			"db.total_duration", total.Seconds(),
		)
	})
}
