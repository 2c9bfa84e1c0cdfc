package memory

import (
	"context"
	"testing"

	"github.com/nostr-mls/mdk/internal/models"
	"github.com/nostr-mls/mdk/internal/storage"
)

func newTestGroup(id string) *models.Group {
	var nid models.NostrGroupId
	copy(nid[:], []byte(id+"-nostr-id-padding-32-bytes-long"))
	return &models.Group{
		MlsGroupId:   models.GroupId(id),
		NostrGroupId: nid,
		Name:         "group " + id,
		AdminPubkeys: []string{"admin1"},
		State:        models.GroupStateActive,
	}
}

func TestSaveAndGetGroup(t *testing.T) {
	ctx := context.Background()
	s, err := New(0)
	if err != nil {
		t.Fatal(err)
	}

	g := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGroup(ctx, g.MlsGroupId)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "group g1" {
		t.Errorf("Name = %q, want %q", got.Name, "group g1")
	}

	byNostr, err := s.GetGroupByNostrID(ctx, g.NostrGroupId)
	if err != nil {
		t.Fatal(err)
	}
	if !byNostr.MlsGroupId.Equal(g.MlsGroupId) {
		t.Error("GetGroupByNostrID returned a different group")
	}
}

func TestSaveGroupRejectsRebindingNostrID(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)

	g1 := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g1); err != nil {
		t.Fatal(err)
	}

	g2 := newTestGroup("g2")
	g2.NostrGroupId = g1.NostrGroupId
	if err := s.SaveGroup(ctx, g2); err == nil {
		t.Error("expected an error rebinding an already-bound nostr group id")
	}
}

func TestListMessagesOrderingAndPagination(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)
	g := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	for i, ca := range []int64{30, 10, 20} {
		m := &models.Message{
			Id:          string(rune('a' + i)),
			MlsGroupId:  g.MlsGroupId,
			CreatedAt:   ca,
			ProcessedAt: ca,
			State:       models.MessageStateProcessed,
		}
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListMessages(ctx, g.MlsGroupId, storage.ListOptions{Order: models.CreatedAtFirst}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	if msgs[0].CreatedAt != 30 || msgs[2].CreatedAt != 10 {
		t.Errorf("messages not sorted descending by created_at: %+v", msgs)
	}

	page, err := s.ListMessages(ctx, g.MlsGroupId, storage.ListOptions{Order: models.CreatedAtFirst, Limit: 1, Offset: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].CreatedAt != 20 {
		t.Errorf("paginated page = %+v, want single message with created_at 20", page)
	}
}

func TestListMessagesRejectsOutOfRangeLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)
	g := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ListMessages(ctx, g.MlsGroupId, storage.ListOptions{Limit: -5}, nil); err == nil {
		t.Error("expected an error for a negative limit")
	}
	if _, err := s.ListMessages(ctx, g.MlsGroupId, storage.ListOptions{Limit: storage.MaxPageLimit + 1}, nil); err == nil {
		t.Error("expected an error for a limit past the page-size ceiling")
	}
	if _, err := s.ListMessages(ctx, g.MlsGroupId, storage.ListOptions{Limit: storage.MaxPageLimit}, nil); err != nil {
		t.Errorf("limit at the ceiling should be accepted: %v", err)
	}
}

func TestSaveGroupRejectsOversizedFields(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)

	g := newTestGroup("g1")
	g.Name = string(make([]byte, storage.MaxGroupNameBytes+1))
	if err := s.SaveGroup(ctx, g); err == nil {
		t.Error("expected an error saving a group with an oversized name")
	}

	g2 := newTestGroup("g2")
	g2.AdminPubkeys = make([]string, storage.MaxAdminsPerGroup+1)
	if err := s.SaveGroup(ctx, g2); err == nil {
		t.Error("expected an error saving a group with too many admins")
	}
}

func TestReplaceRelaysRejectsOversizedInput(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)
	g := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	if err := s.ReplaceRelays(ctx, g.MlsGroupId, []string{string(make([]byte, storage.MaxRelayURLBytes+1))}); err == nil {
		t.Error("expected an error replacing relays with an oversized url")
	}

	tooMany := make([]string, storage.MaxRelaysPerGroup+1)
	for i := range tooMany {
		tooMany[i] = "wss://relay.example"
	}
	if err := s.ReplaceRelays(ctx, g.MlsGroupId, tooMany); err == nil {
		t.Error("expected an error replacing relays past the per-group count ceiling")
	}
}

func TestSaveMessageRejectsOversizedContent(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)
	g := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	m := &models.Message{
		Id:         "oversized",
		MlsGroupId: g.MlsGroupId,
		Content:    string(make([]byte, storage.MaxContentBytes+1)),
		State:      models.MessageStateProcessed,
	}
	if err := s.SaveMessage(ctx, m); err == nil {
		t.Error("expected an error saving a message with oversized content")
	}
}

func TestGroupSnapshotRollback(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)
	g := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, &models.Message{Id: "m1", MlsGroupId: g.MlsGroupId, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateGroupSnapshot(ctx, g.MlsGroupId, "before-commit"); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveMessage(ctx, &models.Message{Id: "m2", MlsGroupId: g.MlsGroupId, CreatedAt: 2}); err != nil {
		t.Fatal(err)
	}
	g.Epoch = 5
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	if err := s.RollbackGroupSnapshot(ctx, g.MlsGroupId, "before-commit"); err != nil {
		t.Fatal(err)
	}

	restored, err := s.GetGroup(ctx, g.MlsGroupId)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Epoch != 0 {
		t.Errorf("restored epoch = %d, want 0", restored.Epoch)
	}
	if _, err := s.GetMessage(ctx, g.MlsGroupId, "m2"); err == nil {
		t.Error("message written after the snapshot should not survive a rollback")
	}
	if _, err := s.GetMessage(ctx, g.MlsGroupId, "m1"); err != nil {
		t.Error("message written before the snapshot should survive a rollback")
	}
}

func TestInvalidateEpochMarksLaterMessages(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)
	g := newTestGroup("g1")
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	epoch1, epoch2 := uint64(1), uint64(2)
	if err := s.SaveMessage(ctx, &models.Message{Id: "m1", MlsGroupId: g.MlsGroupId, Epoch: &epoch1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, &models.Message{Id: "m2", MlsGroupId: g.MlsGroupId, Epoch: &epoch2}); err != nil {
		t.Fatal(err)
	}

	affected, err := s.InvalidateEpoch(ctx, g.MlsGroupId, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 1 {
		t.Fatalf("len(affected) = %d, want 1", len(affected))
	}

	m1, _ := s.GetMessage(ctx, g.MlsGroupId, "m1")
	if m1.State == models.MessageStateEpochInvalidated {
		t.Error("message at or before the cutoff epoch must not be invalidated")
	}
	m2, _ := s.GetMessage(ctx, g.MlsGroupId, "m2")
	if m2.State != models.MessageStateEpochInvalidated {
		t.Error("message past the cutoff epoch should be invalidated")
	}
}

func TestRetryableLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)

	pm := &models.ProcessedMessage{WrapperEventId: "w1", State: models.ProcessedMessageStateFailed}
	if err := s.SaveProcessedMessage(ctx, pm); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRetryable(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	retryable, err := s.ListRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(retryable) != 1 || retryable[0].WrapperEventId != "w1" {
		t.Errorf("ListRetryable = %+v, want one entry for w1", retryable)
	}
}

func TestScanFailedRetryableOnlyTouchesUnknownEpoch(t *testing.T) {
	ctx := context.Background()
	s, _ := New(0)

	epoch := uint64(3)
	if err := s.SaveProcessedMessage(ctx, &models.ProcessedMessage{WrapperEventId: "orphan", State: models.ProcessedMessageStateFailed}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveProcessedMessage(ctx, &models.ProcessedMessage{WrapperEventId: "known-epoch", State: models.ProcessedMessageStateFailed, Epoch: &epoch}); err != nil {
		t.Fatal(err)
	}

	scanned, err := s.ScanFailedRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(scanned) != 1 || scanned[0] != "orphan" {
		t.Errorf("ScanFailedRetryable = %v, want only the orphaned row", scanned)
	}

	orphan, _ := s.GetProcessedMessage(ctx, "orphan")
	if orphan.State != models.ProcessedMessageStateRetryable {
		t.Error("orphaned failed row with unknown epoch should become retryable")
	}
	known, _ := s.GetProcessedMessage(ctx, "known-epoch")
	if known.State != models.ProcessedMessageStateFailed {
		t.Error("failed row with a known epoch must not be swept into retryable")
	}
}
