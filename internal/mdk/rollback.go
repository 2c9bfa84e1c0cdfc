package mdk

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/mls"
	"github.com/nostr-mls/mdk/internal/models"
)

// RollbackToCommit implements the late-commit procedure (§4.8): when a
// commit arrives that should have superseded one already applied at or
// after its epoch, the group's live MLS state is restored to the
// snapshot strictly before the commit's target epoch, the commit is
// reapplied, and rows stored against the now-discarded epoch are marked
// EpochInvalidated. Separately, any Failed rows whose epoch was unknown
// at processing time are scanned and marked Retryable, since the
// reapplied commit may be exactly the group state they were missing.
// The storage rows this touches are captured first so a failure partway
// through leaves the group exactly as it was rather than half-migrated.
func (e *Engine) RollbackToCommit(ctx context.Context, groupID models.GroupId, wrapper *nostr.Event, env wireMessage) (result MessageProcessingResult, err error) {
	if env.Kind != wireKindCommit {
		return MessageProcessingResult{}, fmt.Errorf("mdk: RollbackToCommit requires a commit envelope, got %q", env.Kind)
	}

	snap, ok := e.snapshots.Before(groupID, env.TargetEpoch)
	if !ok {
		return MessageProcessingResult{}, fmt.Errorf("mdk: no snapshot retained before epoch %d for group %s", env.TargetEpoch, groupID.String())
	}

	g, err := mls.FromBytes(snap.StateBytes.Expose(), e.mlsSigPriv)
	if err != nil {
		return MessageProcessingResult{}, fmt.Errorf("mdk: restoring mls state at epoch %d: %w", snap.Epoch, err)
	}
	if err := g.ApplyCommit(env.CommitState); err != nil {
		return MessageProcessingResult{}, fmt.Errorf("mdk: reapplying preferred commit: %w", err)
	}
	newEpoch := g.Epoch()

	// Each rollback mints its own label: the group may be rolled back more
	// than once over its lifetime, and a reused label would collide with
	// a still-referenced prior snapshot.
	snapshotLabel := models.NewULID().String()
	if err := e.storage.CreateGroupSnapshot(ctx, groupID, snapshotLabel); err != nil {
		return MessageProcessingResult{}, fmt.Errorf("mdk: creating storage snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := e.storage.RollbackGroupSnapshot(ctx, groupID, snapshotLabel); rbErr != nil {
				e.logger.Error("mdk: rolling back storage snapshot after failed rollback", "group", groupID.String(), "error", rbErr)
			}
			return
		}
		if relErr := e.storage.ReleaseGroupSnapshot(ctx, groupID, snapshotLabel); relErr != nil {
			e.logger.Error("mdk: releasing storage snapshot", "group", groupID.String(), "error", relErr)
		}
	}()

	invalidated, ierr := e.storage.InvalidateEpoch(ctx, groupID, snap.Epoch)
	if ierr != nil {
		err = fmt.Errorf("mdk: invalidating rows past epoch %d: %w", snap.Epoch, ierr)
		return MessageProcessingResult{}, err
	}
	if len(invalidated) > 0 {
		e.logger.Debug("mdk: invalidated rows past rollback epoch", "group", groupID.String(), "epoch", snap.Epoch, "count", len(invalidated))
	}

	record, gerr := e.storage.GetGroup(ctx, groupID)
	if gerr != nil {
		err = gerr
		return MessageProcessingResult{}, err
	}
	record.Epoch = newEpoch
	if serr := e.storage.SaveGroup(ctx, record); serr != nil {
		err = serr
		return MessageProcessingResult{}, err
	}
	if serr := e.saveExporterSecret(ctx, groupID, g); serr != nil {
		err = serr
		return MessageProcessingResult{}, err
	}

	// Failed rows with no recorded epoch (the "unknown group epoch" case)
	// are a distinct population from the rows InvalidateEpoch just
	// touched: they never successfully processed against any epoch, so
	// they stay candidates for retry rather than becoming invalidated.
	retried, rerr := e.storage.ScanFailedRetryable(ctx)
	if rerr != nil {
		err = fmt.Errorf("mdk: scanning failed rows for retry: %w", rerr)
		return MessageProcessingResult{}, err
	}
	if len(retried) > 0 {
		e.logger.Debug("mdk: marked failed rows retryable after rollback", "group", groupID.String(), "count", len(retried))
	}

	if serr := e.storage.SaveProcessedMessage(ctx, &models.ProcessedMessage{
		WrapperEventId: wrapper.ID,
		ProcessedAt:    time.Now().Unix(),
		Epoch:          &newEpoch,
		MlsGroupId:     &groupID,
		State:          models.ProcessedMessageStateProcessedCommit,
	}); serr != nil {
		err = serr
		return MessageProcessingResult{}, err
	}

	e.cacheGroup(g)
	e.captureSnapshot(groupID, g)

	return MessageProcessingResult{Kind: ResultCommit, NewEpoch: newEpoch}, nil
}

// DriveRetries re-submits every Retryable wrapper event through Receive,
// used after a rollback (or after a Welcome finally resolves an
// unknown-group failure) to give previously stuck events another pass.
func (e *Engine) DriveRetries(ctx context.Context, fetch func(ctx context.Context, wrapperEventID string) (*nostr.Event, error)) ([]MessageProcessingResult, error) {
	pending, err := e.storage.ListRetryable(ctx)
	if err != nil {
		return nil, fmt.Errorf("mdk: listing retryable rows: %w", err)
	}
	results := make([]MessageProcessingResult, 0, len(pending))
	for _, pm := range pending {
		wrapper, err := fetch(ctx, pm.WrapperEventId)
		if err != nil {
			e.logger.Warn("mdk: fetching retryable wrapper event", "wrapper_event_id", pm.WrapperEventId, "error", err)
			continue
		}
		result, err := e.Receive(ctx, wrapper)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}
