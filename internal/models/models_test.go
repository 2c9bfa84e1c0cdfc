package models

import "testing"

func TestGroupIdEqual(t *testing.T) {
	a := GroupId([]byte{1, 2, 3})
	b := GroupId([]byte{1, 2, 3})
	c := GroupId([]byte{1, 2, 4})
	if !a.Equal(b) {
		t.Error("identical byte slices should be equal")
	}
	if a.Equal(c) {
		t.Error("differing byte slices should not be equal")
	}
	if a.Equal(GroupId([]byte{1, 2})) {
		t.Error("differing lengths should not be equal")
	}
}

func TestGroupIdString(t *testing.T) {
	id := GroupId([]byte{0xde, 0xad, 0xbe, 0xef})
	if got, want := id.String(), "deadbeef"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseNostrGroupIdRoundTrip(t *testing.T) {
	hex := "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
	id, err := ParseNostrGroupId(hex)
	if err != nil {
		t.Fatalf("ParseNostrGroupId: %v", err)
	}
	if got := id.Hex(); got != hex {
		t.Errorf("Hex() = %q, want %q", got, hex)
	}
}

func TestParseNostrGroupIdRejectsWrongLength(t *testing.T) {
	if _, err := ParseNostrGroupId("abcd"); err == nil {
		t.Error("expected an error for a short hex string")
	}
}

func TestGroupAdminsInclude(t *testing.T) {
	g := &Group{AdminPubkeys: []string{"alice", "bob"}}
	if !g.AdminsInclude("bob") {
		t.Error("expected bob to be recognized as an admin")
	}
	if g.AdminsInclude("eve") {
		t.Error("expected eve to not be recognized as an admin")
	}
}

func TestGroupUpdateLastMessageTakesNewer(t *testing.T) {
	g := &Group{}
	g.UpdateLastMessage("first", 100, 101)
	g.UpdateLastMessage("second", 200, 201)
	if *g.LastMessageId != "second" {
		t.Errorf("LastMessageId = %q, want %q", *g.LastMessageId, "second")
	}
}

func TestGroupUpdateLastMessageIgnoresOlder(t *testing.T) {
	g := &Group{}
	g.UpdateLastMessage("newer", 200, 201)
	g.UpdateLastMessage("older", 100, 101)
	if *g.LastMessageId != "newer" {
		t.Errorf("LastMessageId = %q, want %q", *g.LastMessageId, "newer")
	}
}

func TestMessageOrderCreatedAtFirst(t *testing.T) {
	a := &Message{Id: "a", CreatedAt: 200, ProcessedAt: 1}
	b := &Message{Id: "b", CreatedAt: 100, ProcessedAt: 999}
	if CreatedAtFirst.Compare(a, b) <= 0 {
		t.Error("expected the later created_at to sort first")
	}
}

func TestMessageOrderProcessedAtFirst(t *testing.T) {
	a := &Message{Id: "a", CreatedAt: 1, ProcessedAt: 200}
	b := &Message{Id: "b", CreatedAt: 999, ProcessedAt: 100}
	if ProcessedAtFirst.Compare(a, b) <= 0 {
		t.Error("expected the later processed_at to sort first")
	}
}

func TestMessageOrderTieBreaksOnId(t *testing.T) {
	a := &Message{Id: "b", CreatedAt: 100, ProcessedAt: 100}
	b := &Message{Id: "a", CreatedAt: 100, ProcessedAt: 100}
	if CreatedAtFirst.Compare(a, b) <= 0 {
		t.Error("expected the larger id to sort first on a full tie")
	}
}
