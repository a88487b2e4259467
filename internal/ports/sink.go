package ports

import (
	"context"
	"time"

	"github.com/ghalamif/AegisBridge/internal/domain"
)

type BrokerEndpoint struct {
	Address  string
	ClientID string
	Username string
	Password string
	TLS      bool
	Trust    TrustPolicy
	Timeout  time.Duration
}

// PublishSink owns a live connection to the message broker.
type PublishSink interface {
	Connect(ctx context.Context, ep BrokerEndpoint) error
	Publish(ctx context.Context, topic string, payload []byte, guarantee domain.DeliveryGuarantee) (domain.PublishResult, error)
	Lost() <-chan error
	// Close waits for outstanding acknowledgments before disconnecting.
	Close(ctx context.Context) error
}

type messageKeyCtx struct{}

// WithMessageKey attaches the idempotency key of the envelope being published.
// Sinks that deduplicate on the broker use it as the message id.
func WithMessageKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, messageKeyCtx{}, key)
}

// MessageKey returns the key set by WithMessageKey, or "".
func MessageKey(ctx context.Context) string {
	key, _ := ctx.Value(messageKeyCtx{}).(string)
	return key
}
