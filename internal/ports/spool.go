package ports

import "github.com/ghalamif/AegisBridge/internal/domain"

type SpoolEntryID uint64

// DeadLetterSpool durably keeps envelopes that could not be delivered.
type DeadLetterSpool interface {
	Append(dl *domain.DeadLetter) (SpoolEntryID, error)
	Iterate(from SpoolEntryID, fn func(id SpoolEntryID, dl *domain.DeadLetter) error) error
	Commit(upto SpoolEntryID) error
	TruncateCommitted() error
	Stats() SpoolStats
}

type SpoolStats struct {
	OldestUncommitted SpoolEntryID
	LatestAppended    SpoolEntryID
	SizeBytes         int64
}
