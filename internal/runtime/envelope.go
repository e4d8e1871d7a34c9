package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
	"github.com/drblury/jobflow/internal/runtime/jsoncodec"
	"github.com/drblury/jobflow/transport"
)

type chainDepthKey struct{}

type correlationIDKey struct{}

// withChainDepth marks continuations published under ctx as being depth
// steps away from the message that started the chain.
func withChainDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, chainDepthKey{}, depth)
}

func chainDepthFrom(ctx context.Context) int {
	depth, _ := ctx.Value(chainDepthKey{}).(int)
	return depth
}

func withCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom returns the correlation id of the delivery being handled.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// newEnvelope encodes msg for topic. A non-zero executeAt later than now
// schedules the envelope.
func newEnvelope(ctx context.Context, msg Message, executeAt, now time.Time) (*message.Message, error) {
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	if msg.GetID() == "" {
		return nil, errspkg.ErrMessageIDRequired
	}

	body, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %q: %w", msg.GetID(), err)
	}

	env := transport.NewEnvelope(msg.GetID(), body)
	if runID := msg.GetRunID(); runID != "" {
		env.Metadata.Set(transport.MetadataRunID, runID)
	}
	if executeAt.After(now) {
		transport.SetScheduledEnqueueTime(env, executeAt)
	}
	if depth := chainDepthFrom(ctx); depth > 0 {
		transport.SetChainDepth(env, depth)
	}
	if id := CorrelationIDFrom(ctx); id != "" {
		env.Metadata.Set(transport.MetadataCorrelationID, id)
	}
	return env, nil
}
