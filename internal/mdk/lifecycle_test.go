package mdk

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/nostr-mls/mdk/internal/mls"
)

// TestRemoveMembersAdvancesEpochForRemainingMembers covers removal: the
// remover's epoch advances and the removed member no longer appears in the
// membership list.
func TestRemoveMembersAdvancesEpochForRemainingMembers(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)
	aliceRecord, _ := pairedGroup(t, alice, bob)

	aliceGroup, err := alice.engine.liveGroup(aliceRecord.MlsGroupId)
	if err != nil {
		t.Fatalf("liveGroup: %v", err)
	}
	bobLeaf := -1
	for leaf, identity := range aliceGroup.Members() {
		if hex.EncodeToString(identity) == bob.pk {
			bobLeaf = leaf
		}
	}
	if bobLeaf == -1 {
		t.Fatal("could not locate bob's leaf index")
	}

	if _, err := alice.engine.RemoveMembers(ctx, aliceRecord.MlsGroupId, []int{bobLeaf}); err != nil {
		t.Fatalf("RemoveMembers: %v", err)
	}
	if _, err := alice.engine.MergePendingCommit(ctx, aliceRecord.MlsGroupId); err != nil {
		t.Fatalf("MergePendingCommit: %v", err)
	}

	members, err := alice.engine.GetMembers(aliceRecord.MlsGroupId)
	if err != nil {
		t.Fatalf("GetMembers: %v", err)
	}
	for _, m := range members {
		if m == bob.pk {
			t.Error("bob still appears in membership after removal")
		}
	}

	record, err := alice.engine.GetGroup(ctx, aliceRecord.MlsGroupId)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if record.Epoch != 1 {
		t.Errorf("epoch after removal = %d, want 1", record.Epoch)
	}
}

// TestSelfUpdateAdvancesEpoch covers a member rotating their own key
// material without adding or removing anyone.
func TestSelfUpdateAdvancesEpoch(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)
	aliceRecord, _ := pairedGroup(t, alice, bob)

	if _, err := alice.engine.SelfUpdate(ctx, aliceRecord.MlsGroupId); err != nil {
		t.Fatalf("SelfUpdate: %v", err)
	}
	if _, err := alice.engine.MergePendingCommit(ctx, aliceRecord.MlsGroupId); err != nil {
		t.Fatalf("MergePendingCommit: %v", err)
	}
	record, err := alice.engine.GetGroup(ctx, aliceRecord.MlsGroupId)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if record.Epoch != 1 {
		t.Errorf("epoch after self-update = %d, want 1", record.Epoch)
	}
}

// TestLeaveGroupDropsLocalState covers a member leaving: their live group
// state is dropped and further sends into it fail.
func TestLeaveGroupDropsLocalState(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)
	_, bobRecord := pairedGroup(t, alice, bob)

	if err := bob.engine.LeaveGroup(ctx, bobRecord.MlsGroupId); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	if _, err := bob.engine.liveGroup(bobRecord.MlsGroupId); err == nil {
		t.Error("expected no live group state after leaving")
	}
}

// TestGetGroupsAndAdmins covers the listing/read accessors against a
// freshly created group.
func TestGetGroupsAndAdmins(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)

	bobEvt, _, err := bob.engine.PublishKeyPackage(nil)
	if err != nil {
		t.Fatalf("PublishKeyPackage: %v", err)
	}
	bobKP, err := ParseKeyPackage(bobEvt)
	if err != nil {
		t.Fatalf("ParseKeyPackage: %v", err)
	}
	record, _, err := alice.engine.CreateGroup(ctx, CreateGroupOptions{
		Name:            "admins",
		AdminPubkeys:    []string{alice.pk},
		Relays:          []string{"wss://relay.example"},
		PeerKeyPackages: []mls.KeyPackage{bobKP},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	groups, err := alice.engine.GetGroups(ctx)
	if err != nil {
		t.Fatalf("GetGroups: %v", err)
	}
	found := false
	for _, g := range groups {
		if g.MlsGroupId.Equal(record.MlsGroupId) {
			found = true
		}
	}
	if !found {
		t.Error("created group not present in GetGroups")
	}

	admins, err := alice.engine.GetAdmins(ctx, record.MlsGroupId)
	if err != nil {
		t.Fatalf("GetAdmins: %v", err)
	}
	if len(admins) != 1 || admins[0] != alice.pk {
		t.Errorf("admins = %v, want [%s]", admins, alice.pk)
	}

	relays, err := alice.engine.GetRelays(ctx, record.MlsGroupId)
	if err != nil {
		t.Fatalf("GetRelays: %v", err)
	}
	if len(relays) != 1 || relays[0] != "wss://relay.example" {
		t.Errorf("relays = %v, want [wss://relay.example]", relays)
	}
}
