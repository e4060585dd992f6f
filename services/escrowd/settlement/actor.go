package settlement

import (
	"context"
	"strings"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
)

type actorKey struct{}

// WithActor records who is driving the operation. The actor is stamped on
// every audit event the operation produces.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actor))
}

// ActorFromContext returns the actor recorded by WithActor.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func stampActor(ctx context.Context, events []escrow.Event) {
	actor := ActorFromContext(ctx)
	if actor == "" {
		actor = "system"
	}
	for i := range events {
		if events[i].Actor == "" {
			events[i].Actor = actor
		}
	}
}
