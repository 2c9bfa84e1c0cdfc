package snapshot

import (
	"testing"
	"time"

	"github.com/nostr-mls/mdk/internal/models"
)

func TestCaptureAndLatest(t *testing.T) {
	m := NewManager(5)
	groupID := models.GroupId("g1")

	for epoch := uint64(0); epoch < 3; epoch++ {
		m.Capture(groupID, models.EpochSnapshot{MlsGroupId: groupID, Epoch: epoch, CapturedAt: int64(epoch)})
	}

	latest, ok := m.Latest(groupID)
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	if latest.Epoch != 2 {
		t.Errorf("latest epoch = %d, want 2", latest.Epoch)
	}
}

func TestRetentionBound(t *testing.T) {
	m := NewManager(2)
	groupID := models.GroupId("g1")

	for epoch := uint64(0); epoch < 5; epoch++ {
		m.Capture(groupID, models.EpochSnapshot{MlsGroupId: groupID, Epoch: epoch})
	}

	if _, ok := m.AtEpoch(groupID, 0); ok {
		t.Error("epoch 0 should have been evicted under a retention bound of 2")
	}
	if _, ok := m.AtEpoch(groupID, 4); !ok {
		t.Error("epoch 4 should still be retained")
	}
}

func TestBeforeReturnsMostRecentPriorEpoch(t *testing.T) {
	m := NewManager(10)
	groupID := models.GroupId("g1")
	for _, epoch := range []uint64{0, 1, 2, 3} {
		m.Capture(groupID, models.EpochSnapshot{MlsGroupId: groupID, Epoch: epoch})
	}

	snap, ok := m.Before(groupID, 3)
	if !ok {
		t.Fatal("expected a snapshot before epoch 3")
	}
	if snap.Epoch != 2 {
		t.Errorf("Before(3) = epoch %d, want 2", snap.Epoch)
	}
}

func TestGroupScopedIsolation(t *testing.T) {
	m := NewManager(5)
	a := models.GroupId("group-a")
	b := models.GroupId("group-b")

	m.Capture(a, models.EpochSnapshot{MlsGroupId: a, Epoch: 1})
	m.Capture(b, models.EpochSnapshot{MlsGroupId: b, Epoch: 9})

	m.DropGroup(a)

	if _, ok := m.Latest(a); ok {
		t.Error("group a snapshots should be gone after DropGroup")
	}
	if _, ok := m.Latest(b); !ok {
		t.Error("group b snapshots must be unaffected by dropping group a")
	}
}

func TestPruneDiscardsOldSnapshots(t *testing.T) {
	m := NewManager(10)
	groupID := models.GroupId("g1")
	now := time.Now()

	m.Capture(groupID, models.EpochSnapshot{MlsGroupId: groupID, Epoch: 0, CapturedAt: now.Add(-2 * time.Hour).Unix()})
	m.Capture(groupID, models.EpochSnapshot{MlsGroupId: groupID, Epoch: 1, CapturedAt: now.Unix()})

	discarded := m.Prune(now.Add(-1 * time.Hour))
	if discarded != 1 {
		t.Errorf("discarded = %d, want 1", discarded)
	}
	if _, ok := m.AtEpoch(groupID, 0); ok {
		t.Error("epoch 0 should have been pruned")
	}
	if _, ok := m.AtEpoch(groupID, 1); !ok {
		t.Error("epoch 1 should remain after pruning")
	}
}
