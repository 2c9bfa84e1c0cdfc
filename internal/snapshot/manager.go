// Package snapshot implements the epoch snapshot manager (C2): a bounded,
// per-group ring of captured MLS states that lets the message engine roll
// a group back to a prior epoch when a better commit arrives late, then
// reapply. Snapshots are arena-indexed (epoch, bytes, exporter secret)
// triples rather than deep object clones, matching the opaque-state
// capture style the MLS layer already exports via Group.ToBytes.
package snapshot

import (
	"sync"
	"time"

	"github.com/nostr-mls/mdk/internal/models"
)

// Manager holds a bounded ring of EpochSnapshots per group, guarded by a
// single mutex. It is process-local state layered on top of whatever
// storage backend the engine uses; persistent backends additionally
// durably store snapshots and consult TTL on startup (see Prune).
type Manager struct {
	mu        sync.Mutex
	retention int
	byGroup   map[string][]models.EpochSnapshot
}

// NewManager returns a Manager retaining up to retention snapshots per
// group. retention must be at least 1.
func NewManager(retention int) *Manager {
	if retention < 1 {
		retention = 1
	}
	return &Manager{
		retention: retention,
		byGroup:   make(map[string][]models.EpochSnapshot),
	}
}

// Capture records a new snapshot for a group, evicting the oldest snapshot
// if the group is already at the retention bound.
func (m *Manager) Capture(groupID models.GroupId, snap models.EpochSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := groupID.String()
	list := m.byGroup[key]
	list = append(list, snap)
	if len(list) > m.retention {
		list = list[len(list)-m.retention:]
	}
	m.byGroup[key] = list
}

// Latest returns the most recently captured snapshot for a group, if any.
func (m *Manager) Latest(groupID models.GroupId) (models.EpochSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byGroup[groupID.String()]
	if len(list) == 0 {
		return models.EpochSnapshot{}, false
	}
	return list[len(list)-1], true
}

// AtEpoch returns the snapshot captured for a specific epoch, if it is
// still within the retention window.
func (m *Manager) AtEpoch(groupID models.GroupId, epoch uint64) (models.EpochSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range m.byGroup[groupID.String()] {
		if snap.Epoch == epoch {
			return snap, true
		}
	}
	return models.EpochSnapshot{}, false
}

// Before returns the most recent snapshot strictly before the given epoch,
// the state the engine rolls back to when a preferred commit supersedes
// one already applied at or after that epoch.
func (m *Manager) Before(groupID models.GroupId, epoch uint64) (models.EpochSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byGroup[groupID.String()]
	var best models.EpochSnapshot
	found := false
	for _, snap := range list {
		if snap.Epoch < epoch && (!found || snap.Epoch > best.Epoch) {
			best = snap
			found = true
		}
	}
	return best, found
}

// Prune discards snapshots captured before cutoff across all groups, the
// startup-time TTL enforcement persistent backends perform so retained
// key material does not accumulate indefinitely.
func (m *Manager) Prune(cutoff time.Time) (discarded int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoffUnix := cutoff.Unix()
	for key, list := range m.byGroup {
		kept := list[:0]
		for _, snap := range list {
			if snap.CapturedAt < cutoffUnix {
				discarded++
				continue
			}
			kept = append(kept, snap)
		}
		m.byGroup[key] = kept
	}
	return discarded
}

// DropGroup removes all retained snapshots for a group, used when the
// local participant leaves it.
func (m *Manager) DropGroup(groupID models.GroupId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byGroup, groupID.String())
}
