// Package storage defines the Provider contract the MDK engine persists
// through: group, message, welcome, and exporter-secret CRUD plus
// group-scoped atomic snapshots. Two backends implement it —
// internal/storage/memory (process-local, bounded LRU) and
// internal/storage/sqlite (durable, single-file, WAL-mode SQLite) — and
// the engine is written against this interface alone, never a concrete
// backend type.
package storage

import (
	"context"

	"github.com/nostr-mls/mdk/internal/models"
)

// ListOptions controls pagination and ordering for message listings.
type ListOptions struct {
	Order  models.MessageOrder
	Limit  int
	Offset int
}

// TagFilter narrows a message listing to events whose tags contain a
// literal substring. The Provider escapes LIKE metacharacters internally
// so Value is matched literally, never as a pattern.
type TagFilter struct {
	TagName string
	Value   string
}

// Provider is the storage contract the engine persists through. All
// operations are synchronous from the engine's perspective; a backend is
// free to use its own internal locking or transactions as long as the
// invariants below hold.
//
// Invariants enforced by every conforming implementation:
//   - NostrGroupId -> GroupId is a 1:1 mapping; binding a second GroupId to
//     an already-bound NostrGroupId fails with mlserr.InvalidParameters.
//   - SaveGroup, ReplaceRelays, and InvalidateEpoch are atomic: a caller
//     never observes a partially applied multi-row mutation.
//   - CreateGroupSnapshot/RollbackGroupSnapshot touch exactly the rows
//     belonging to one group; no other group's rows are visible or
//     mutated by a rollback.
type Provider interface {
	// Groups

	SaveGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id models.GroupId) (*models.Group, error)
	GetGroupByNostrID(ctx context.Context, id models.NostrGroupId) (*models.Group, error)
	ListGroups(ctx context.Context) ([]*models.Group, error)
	ReplaceRelays(ctx context.Context, id models.GroupId, relays []string) error
	GetRelays(ctx context.Context, id models.GroupId) ([]string, error)

	// Messages

	SaveMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, groupID models.GroupId, rumorID string) (*models.Message, error)
	ListMessages(ctx context.Context, groupID models.GroupId, opts ListOptions, filter *TagFilter) ([]*models.Message, error)
	LastMessage(ctx context.Context, groupID models.GroupId, order models.MessageOrder) (*models.Message, error)

	// Processed messages

	SaveProcessedMessage(ctx context.Context, pm *models.ProcessedMessage) error
	GetProcessedMessage(ctx context.Context, wrapperEventID string) (*models.ProcessedMessage, error)

	// Welcomes

	SaveWelcome(ctx context.Context, w *models.Welcome) error
	GetWelcome(ctx context.Context, wrapperEventID string) (*models.Welcome, error)
	ListPendingWelcomes(ctx context.Context) ([]*models.Welcome, error)
	SaveProcessedWelcome(ctx context.Context, pw *models.ProcessedWelcome) error
	GetProcessedWelcome(ctx context.Context, wrapperEventID string) (*models.ProcessedWelcome, error)

	// Exporter secrets

	SaveExporterSecret(ctx context.Context, s *models.GroupExporterSecret) error
	GetExporterSecret(ctx context.Context, groupID models.GroupId, epoch uint64) (*models.GroupExporterSecret, error)
	ListExporterSecretsDescending(ctx context.Context, groupID models.GroupId) ([]*models.GroupExporterSecret, error)

	// Rollback & retry (C8)

	// InvalidateEpoch marks every Message and ProcessedMessage for
	// groupID whose stored epoch exceeds afterEpoch as EpochInvalidated,
	// returning the wrapper_event_ids affected.
	InvalidateEpoch(ctx context.Context, groupID models.GroupId, afterEpoch uint64) ([]string, error)
	// MarkRetryable transitions a single Failed ProcessedMessage (whose
	// failure implied an unknown epoch) to Retryable, preserving its
	// failure reason.
	MarkRetryable(ctx context.Context, wrapperEventID string) error
	// ListRetryable returns ProcessedMessages currently in the Retryable
	// state, so a caller can re-drive them through the receive path.
	ListRetryable(ctx context.Context) ([]*models.ProcessedMessage, error)
	// ScanFailedRetryable enumerates every Failed ProcessedMessage whose
	// epoch is unknown (never recorded; the engine records no epoch on a
	// failed receive) and transitions each to Retryable in place,
	// preserving failure_reason. Returns the wrapper_event_ids
	// transitioned. Unlike InvalidateEpoch this is not scoped to one
	// group: it takes rows attributed to no group as well as epoch-less
	// failures attributed to any group.
	ScanFailedRetryable(ctx context.Context) ([]string, error)

	// Group-scoped snapshots (backing store for the epoch snapshot
	// manager's persistence, distinct from in-memory EpochSnapshot
	// capture — this is a point-in-time copy of every row keyed by one
	// group, used to make a rollback atomic against the rest of storage.)

	CreateGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error
	RollbackGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error
	ReleaseGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error
	ListGroupSnapshots(ctx context.Context, groupID models.GroupId) ([]string, error)
	PruneGroupSnapshots(ctx context.Context, olderThanUnix int64) (int, error)

	// Close releases any resources (file handles, caches) held by the
	// backend.
	Close() error
}
