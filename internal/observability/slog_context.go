package observability

import (
	"context"
	"log/slog"

	"github.com/geocoder89/schoolhub/internal/actorctx"
	"go.opentelemetry.io/otel/trace"
)

// ContextHandler stamps request-scoped fields onto each record: trace and
// span ids from the active span, plus the request id and the acting user
// carried by actorctx. Keys the caller already logged are left alone.
type ContextHandler struct {
	next slog.Handler
	// top-level keys bound through WithAttrs
	bound map[string]struct{}
	group bool
}

func NewContextHandler(next slog.Handler) *ContextHandler {
	return &ContextHandler{next: next}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.group {
		return h.next.Handle(ctx, r)
	}

	present := make(map[string]struct{}, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = struct{}{}
		return true
	})

	add := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := present[key]; ok {
			return
		}
		if _, ok := h.bound[key]; ok {
			return
		}
		r.AddAttrs(slog.String(key, value))
	}

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		add("trace_id", sc.TraceID().String())
		add("span_id", sc.SpanID().String())
	}
	add("request_id", actorctx.RequestIDFrom(ctx))
	if id, ok := actorctx.IdentityFrom(ctx); ok {
		add("actor_id", id.UserID)
		add("actor_role", id.Role)
	}

	return h.next.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &ContextHandler{next: h.next.WithAttrs(attrs), bound: h.bound, group: h.group}
	if !h.group && len(attrs) > 0 {
		out.bound = make(map[string]struct{}, len(h.bound)+len(attrs))
		for k := range h.bound {
			out.bound[k] = struct{}{}
		}
		for _, a := range attrs {
			out.bound[a.Key] = struct{}{}
		}
	}
	return out
}

// Records under a group keep their attrs nested, so context fields would
// land inside the group. Those pass through untouched.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ContextHandler{next: h.next.WithGroup(name), bound: h.bound, group: true}
}
