package ports

import (
	"context"
	"time"

	"github.com/ghalamif/AegisBridge/internal/domain"
)

type SourceEndpoint struct {
	Address        string
	SecurityPolicy string
	SecurityMode   string
	Username       string
	Password       string
	Trust          TrustPolicy
	Timeout        time.Duration
}

// SourceSession owns a live connection to the data source. It never retries;
// every failure is surfaced to the caller.
type SourceSession interface {
	Connect(ctx context.Context, ep SourceEndpoint) error
	ReadPoint(ctx context.Context, pointID string) (domain.Sample, error)
	// Identity is the connected server's application URI.
	Identity() string
	// Lost delivers a ConnectionError when the transport drops outside a call.
	Lost() <-chan error
	Close(ctx context.Context) error
}
