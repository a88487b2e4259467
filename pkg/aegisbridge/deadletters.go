package aegisbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghalamif/AegisBridge/internal/adapters/spool"
	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/envelope"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

// FileSpool is the on-disk dead-letter spool used when spool.dir is set.
type FileSpool = spool.FileSpool

// OpenDeadLetterSpool opens (or creates) the file spool in dir.
func OpenDeadLetterSpool(dir string) (*FileSpool, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	return spool.NewFileSpool(dir)
}

// ListDeadLetters calls fn for every entry not yet committed by a replay, or
// for every entry still in the file when all is set.
func ListDeadLetters(sp DeadLetterSpool, all bool, fn func(id SpoolEntryID, dl *DeadLetter) error) error {
	from := sp.Stats().OldestUncommitted
	if all {
		from = 0
	}
	return sp.Iterate(from, fn)
}

// ReplayReport summarizes one replay pass over a spool.
type ReplayReport struct {
	Replayed  int
	Remaining int
	// StoppedAt is the entry the pass stopped on, zero when it reached the end.
	StoppedAt  SpoolEntryID
	StopReason string
}

// ReplayDeadLetters republishes uncommitted dead letters in spool order on a
// connected sink with guarantee g, committing each accepted entry. The pass
// stops at the first entry the broker does not accept so the committed
// prefix stays contiguous; that entry and everything after it stay spooled.
//
// A replayed envelope carries a ReplayMessageID instead of its sequence id,
// since a later tick of the same run was published with that id. It keeps
// the message key of the failed attempt, so a broker that already stored the
// original deduplicates the replay.
func ReplayDeadLetters(ctx context.Context, sp DeadLetterSpool, sink PublishSink, g DeliveryGuarantee) (ReplayReport, error) {
	type entry struct {
		id SpoolEntryID
		dl *DeadLetter
	}
	// Iterate holds the spool while it walks, so collect before publishing.
	var pending []entry
	err := sp.Iterate(sp.Stats().OldestUncommitted, func(id SpoolEntryID, dl *DeadLetter) error {
		pending = append(pending, entry{id: id, dl: dl})
		return nil
	})
	if err != nil {
		return ReplayReport{}, err
	}

	var report ReplayReport
	for _, e := range pending {
		reason, err := replayOne(ctx, sp, sink, e.id, e.dl, g)
		if err != nil {
			return report, err
		}
		if reason != "" {
			report.StoppedAt = e.id
			report.StopReason = reason
			break
		}
		report.Replayed++
	}

	if report.Replayed > 0 {
		if err := sp.TruncateCommitted(); err != nil {
			return report, fmt.Errorf("truncate spool: %w", err)
		}
	}
	stats := sp.Stats()
	if stats.LatestAppended >= stats.OldestUncommitted {
		report.Remaining = int(stats.LatestAppended - stats.OldestUncommitted + 1)
	}
	return report, nil
}

// ReplayDeadLetters connects a fresh sink to the configured broker and
// replays the runtime's spool through it with the configured guarantee.
func (r *Runtime) ReplayDeadLetters(ctx context.Context) (ReplayReport, error) {
	if r.spool == nil {
		return ReplayReport{}, fmt.Errorf("no dead-letter spool configured")
	}
	rc := r.runConfigs[0]
	ep := rc.Broker
	ep.ClientID = r.cfg.Broker.ClientID + "-replay"

	sink := r.newSink()
	if err := sink.Connect(ctx, ep); err != nil {
		return ReplayReport{}, err
	}
	report, err := ReplayDeadLetters(ctx, r.spool, sink, rc.Delivery)
	if cerr := sink.Close(context.WithoutCancel(ctx)); cerr != nil {
		err = errors.Join(err, cerr)
	}
	r.obs.LogInfo("deadletters_replayed",
		ports.Field{Key: "replayed", Value: report.Replayed},
		ports.Field{Key: "remaining", Value: report.Remaining},
		ports.Field{Key: "stop_reason", Value: report.StopReason})
	return report, err
}

// replayOne returns a non-empty reason when the entry was not delivered.
func replayOne(ctx context.Context, sp DeadLetterSpool, sink PublishSink, id SpoolEntryID, dl *DeadLetter, g DeliveryGuarantee) (string, error) {
	if err := ctx.Err(); err != nil {
		return err.Error(), nil
	}
	payload, err := replayPayload(id, dl)
	if err != nil {
		return fmt.Sprintf("entry %d: %v", id, err), nil
	}
	if dl.RunID != "" {
		ctx = ports.WithMessageKey(ctx, envelope.MessageKey(dl.RunID, dl.WriterID, dl.Seq, dl.Attempt))
	}
	res, err := sink.Publish(ctx, dl.Topic, payload, g)
	if err != nil {
		if domain.IsFatal(err) {
			return "", err
		}
		return domain.ErrorKind(err), nil
	}
	if !res.Accepted {
		return fmt.Sprintf("publish/rejected: %d", res.BrokerReturnCode), nil
	}
	if err := sp.Commit(id); err != nil {
		return "", fmt.Errorf("commit entry %d: %w", id, err)
	}
	return "", nil
}

func replayPayload(id SpoolEntryID, dl *DeadLetter) ([]byte, error) {
	msgID := envelope.ReplayMessageID(dl.RunID, dl.Seq, dl.Attempt)
	if dl.RunID == "" {
		msgID = fmt.Sprintf("replay:spool:%d", id)
	}
	return envelope.WithMessageID(dl.Payload, msgID)
}
