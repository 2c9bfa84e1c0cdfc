package mls

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptApplicationMessageRoundtrip(t *testing.T) {
	keys, _ := GenerateMemberKeys()
	g, err := Create([]byte("g1"), []byte("alice"), keys)
	if err != nil {
		t.Fatal(err)
	}
	state, err := g.ToBytes()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := FromBytes(state, nil)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("hello, world!")
	ct, err := g.EncryptApplicationMessage(plaintext, 100, 1000)
	if err != nil {
		t.Fatal(err)
	}

	got, err := receiver.DecryptApplicationMessage(ct, 100, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestDecryptApplicationMessageWrongEpochFails(t *testing.T) {
	keys, _ := GenerateMemberKeys()
	g, _ := Create([]byte("g1"), []byte("alice"), keys)

	ct, err := g.EncryptApplicationMessage([]byte("hi"), 100, 1000)
	if err != nil {
		t.Fatal(err)
	}
	ct.Epoch = 99
	if _, err := g.DecryptApplicationMessage(ct, 100, 1000); err == nil {
		t.Error("expected error decrypting ciphertext stamped with the wrong epoch")
	}
}

func TestDecryptApplicationMessageTamperedSealFails(t *testing.T) {
	keys, _ := GenerateMemberKeys()
	g, _ := Create([]byte("g1"), []byte("alice"), keys)
	state, _ := g.ToBytes()
	receiver, _ := FromBytes(state, nil)

	ct, err := g.EncryptApplicationMessage([]byte("hi"), 100, 1000)
	if err != nil {
		t.Fatal(err)
	}
	ct.Sealed[0] ^= 0xFF
	if _, err := receiver.DecryptApplicationMessage(ct, 100, 1000); err == nil {
		t.Error("expected error decrypting a tampered ciphertext")
	}
}

func TestOutOfOrderDeliveryWithinTolerance(t *testing.T) {
	keys, _ := GenerateMemberKeys()
	g, _ := Create([]byte("g1"), []byte("alice"), keys)
	state, _ := g.ToBytes()
	receiver, _ := FromBytes(state, nil)

	var cts []*Ciphertext
	for i := 0; i < 5; i++ {
		ct, err := g.EncryptApplicationMessage([]byte{byte(i)}, 100, 1000)
		if err != nil {
			t.Fatal(err)
		}
		cts = append(cts, ct)
	}

	// Deliver in reverse order.
	for i := len(cts) - 1; i >= 0; i-- {
		got, err := receiver.DecryptApplicationMessage(cts[i], 100, 1000)
		if err != nil {
			t.Fatalf("decrypting generation %d out of order: %v", cts[i].Generation, err)
		}
		if got[0] != byte(i) {
			t.Errorf("generation %d decrypted to %v, want %v", cts[i].Generation, got, []byte{byte(i)})
		}
	}
}

func TestForwardDistanceExceededFails(t *testing.T) {
	keys, _ := GenerateMemberKeys()
	g, _ := Create([]byte("g1"), []byte("alice"), keys)
	ratchet := g.RatchetFor(0, 100, 3)
	if _, err := ratchet.KeyForGeneration(10); err == nil {
		t.Error("expected error exceeding maximum forward distance")
	}
}
