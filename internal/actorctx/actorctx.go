// Package actorctx carries the authenticated identity and the request id on a
// context.Context so code below the HTTP layer can log who acted.
package actorctx

import (
	"context"

	"github.com/geocoder89/schoolhub/internal/auth"
)

type (
	identityKey  struct{}
	requestIDKey struct{}
)

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(auth.Identity)
	return v, ok && v.UserID != ""
}

func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	return id.UserID, ok
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
