package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/geocoder89/schoolhub/internal/actorctx"
	"github.com/geocoder89/schoolhub/internal/auth"
	"github.com/geocoder89/schoolhub/internal/domain/user"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestLogger_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "prod")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	log.InfoContext(ctx, "hello")
	span.End()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("expected trace_id %s, got %v", span.SpanContext().TraceID(), rec["trace_id"])
	}
	if _, ok := rec["span_id"]; !ok {
		t.Fatalf("expected span_id in %v", rec)
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestLogger_AddsRequestAndActor(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "prod")

	ctx := actorctx.WithRequestID(context.Background(), "req-7")
	ctx = actorctx.WithIdentity(ctx, auth.Identity{UserID: "admin-1", Role: "ADMIN"})

	log.InfoContext(ctx, "plain")
	log.InfoContext(ctx, "explicit", "request_id", "mine")
	log.With("actor_id", "bound").InfoContext(ctx, "bound")
	log.InfoContext(context.Background(), "anonymous")

	recs := decodeLines(t, &buf)
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}

	if recs[0]["request_id"] != "req-7" || recs[0]["actor_id"] != "admin-1" || recs[0]["actor_role"] != "ADMIN" {
		t.Fatalf("context fields missing: %v", recs[0])
	}
	if recs[1]["request_id"] != "mine" {
		t.Fatalf("explicit request_id must win, got %v", recs[1]["request_id"])
	}
	if recs[2]["actor_id"] != "bound" {
		t.Fatalf("bound actor_id must win, got %v", recs[2]["actor_id"])
	}
	for _, k := range []string{"request_id", "actor_id", "trace_id"} {
		if _, ok := recs[3][k]; ok {
			t.Fatalf("unexpected %s on a bare context: %v", k, recs[3])
		}
	}
}

func TestLogger_DebugOnlyInDev(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "prod").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record leaked outside dev: %s", buf.String())
	}

	newLogger(&buf, "dev").Debug("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected debug record in dev")
	}
}

func TestProm_IdentityCounters(t *testing.T) {
	p := NewProm(prometheus.NewRegistry())

	p.ObserveAuth("login", "ok")
	p.ObserveAuth("login", "authentication")
	p.ObserveAuth("login", "authentication")
	p.ObserveDelivery("verification", "failed")

	if got := testutil.ToFloat64(p.AuthOutcomes.WithLabelValues("login", "authentication")); got != 2 {
		t.Fatalf("expected 2 failed logins, got %v", got)
	}
	if got := testutil.ToFloat64(p.Deliveries.WithLabelValues("verification", "failed")); got != 1 {
		t.Fatalf("expected 1 failed delivery, got %v", got)
	}
}

func TestObserveDB_ClassifiesErrors(t *testing.T) {
	p := NewProm(prometheus.NewRegistry())

	err := p.ObserveDB("users.create", func() error {
		return &pgconn.PgError{Code: "23505"}
	})
	if err == nil {
		t.Fatalf("ObserveDB must return the callback error")
	}
	if got := testutil.ToFloat64(p.DbErrorsTotal.WithLabelValues("users.create", "unique_violation")); got != 1 {
		t.Fatalf("expected unique_violation counted, got %v", got)
	}

	_ = p.ObserveDB("users.get", func() error { return errors.New("context deadline exceeded") })
	if got := testutil.ToFloat64(p.DbErrorsTotal.WithLabelValues("users.get", "timeout")); got != 1 {
		t.Fatalf("expected timeout counted, got %v", got)
	}
}

func TestObserveDB_NotFoundIsNotAnError(t *testing.T) {
	p := NewProm(prometheus.NewRegistry())

	for _, err := range []error{user.ErrNotFound, user.ErrTokenNotFound, pgx.ErrNoRows} {
		if got := p.ObserveDB("users.get_by_id", func() error { return err }); !errors.Is(got, err) {
			t.Fatalf("ObserveDB must return %v, got %v", err, got)
		}
	}

	if n := testutil.CollectAndCount(p.DbErrorsTotal); n != 0 {
		t.Fatalf("not-found lookups must not count as DB errors, got %d series", n)
	}
	if n := testutil.CollectAndCount(p.DbQueryDuration); n != 1 {
		t.Fatalf("expected a single not_found series, got %d", n)
	}
	p.DbQueryDuration.WithLabelValues("users.get_by_id", "not_found")
	if n := testutil.CollectAndCount(p.DbQueryDuration); n != 1 {
		t.Fatalf("expected the lookups under status not_found, got %d series", n)
	}
}

func TestTracerProvider_SamplesAndTagsEnvironment(t *testing.T) {
	ctx := context.Background()
	res, err := tracerResource(ctx, TracerConfig{ServiceName: "schoolhub-api", Environment: "staging"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}

	env, ok := res.Set().Value(semconv.DeploymentEnvironmentKey)
	if !ok || env.AsString() != "staging" {
		t.Fatalf("expected deployment.environment=staging, got %v", env)
	}

	exp := tracetest.NewInMemoryExporter()

	off := newTracerProvider(res, sdktrace.WithSyncer(exp), 0)
	_, span := off.Tracer("test").Start(ctx, "dropped")
	span.End()
	if n := len(exp.GetSpans()); n != 0 {
		t.Fatalf("ratio 0 must not record root spans, got %d", n)
	}

	on := newTracerProvider(res, sdktrace.WithSyncer(exp), 1)
	_, span = on.Tracer("test").Start(ctx, "kept")
	span.End()
	if n := len(exp.GetSpans()); n != 1 {
		t.Fatalf("ratio 1 must record the span, got %d", n)
	}
}
