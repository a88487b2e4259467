package ports

import (
	"context"

	"github.com/ghalamif/AegisBridge/internal/domain"
)

type Archive interface {
	Record(ctx context.Context, env domain.PublishedEnvelope) error
	Name() string
}
