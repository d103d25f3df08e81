package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// QueryObserver receives one observation per finished query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide observer; nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o})
}

func currentObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// skipFrames never count as the caller of a query.
var skipFrames = []string{
	"runtime.",
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"github.com/carecompanion/sosd/internal/postgres.(*queryTracer)",
}

// helperFrames are store internals skipped when looking for the code that
// asked the store for data.
var helperFrames = []string{
	"github.com/carecompanion/sosd/internal/emergency/pgstore.scan",
	"github.com/carecompanion/sosd/internal/emergency/pgstore.fail",
	"github.com/carecompanion/sosd/internal/emergency/pgstore.(*Store).decrypt",
}

type queryStateKey struct{}

// queryState carries a query from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql      string
	argCount int
	start    time.Time
	site     callSite
}

// callSite is the store method issuing a query (caller) and the first
// frame above it outside the store helpers (handler).
type callSite struct {
	caller  string
	handler string
}

// queryTracer logs queries and feeds request stats and the observer,
// after delegating to inner (otelpgx) so the DB span exists. Bind
// arguments are never logged: they carry field ciphertext and subject
// identifiers.
type queryTracer struct {
	inner pgx.QueryTracer

	// slow is the threshold under which successful queries are not logged.
	slow time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) *queryTracer {
	return &queryTracer{inner: inner, slow: slow}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{
		sql:      data.SQL,
		argCount: len(data.Args),
		start:    time.Now(),
		site:     findCallSite(),
	}
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(st.site.attributes()...)
	}
	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}
	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if o := currentObserver(); o != nil {
		o.ObserveQuery(ctx, labelOr(methodFromContext(ctx), "UNKNOWN"), labelOr(routeFromContext(ctx), "unknown"), outcome(data.Err), dur)
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}
	fields := st.fields(dur, data)
	if data.Err != nil {
		log.FromContext(ctx).Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	log.FromContext(ctx).Info(ctx, "db query", fields...)
}

func (st *queryState) fields(dur time.Duration, data pgx.TraceQueryEndData) []any {
	kv := []any{
		"db.statement", st.sql,
		"db.arg_count", st.argCount,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		op, _, _ := strings.Cut(tag, " ")
		kv = append(kv,
			"db.operation.name", strings.ToUpper(op),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if st.site.caller != "" {
		kv = append(kv, "db.caller", st.site.caller)
	}
	if st.site.handler != "" {
		kv = append(kv, "db.handler", st.site.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		kv = append(kv, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return kv
}

func (c callSite) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if c.caller != "" {
		attrs = append(attrs, attribute.String("db.caller", c.caller))
	}
	if c.handler != "" {
		attrs = append(attrs, attribute.String("db.handler", c.handler))
	}
	return attrs
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func findCallSite() callSite {
	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(2, pcs)])

	var site callSite
	for {
		fr, more := frames.Next()
		switch {
		case hasAnyPrefix(fr.Function, skipFrames):
		case site.caller == "":
			site.caller = shortenFuncName(fr.Function)
		case !hasAnyPrefix(fr.Function, helperFrames):
			site.handler = shortenFuncName(fr.Function)
			return site
		}
		if !more {
			return site
		}
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
