package mdk

import "testing"

// TestPublishAndParseKeyPackage covers the round trip: a published kind-443
// event decodes back to a key package tagged with this engine's ciphersuite.
func TestPublishAndParseKeyPackage(t *testing.T) {
	p := newTestParticipant(t)

	evt, keys, err := p.engine.PublishKeyPackage([]string{"wss://relay.example"})
	if err != nil {
		t.Fatalf("PublishKeyPackage: %v", err)
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		t.Fatalf("key package event signature invalid: ok=%v err=%v", ok, err)
	}

	kp, err := ParseKeyPackage(evt)
	if err != nil {
		t.Fatalf("ParseKeyPackage: %v", err)
	}
	if kp.Ciphersuite != Ciphersuite {
		t.Errorf("ciphersuite = %q, want %q", kp.Ciphersuite, Ciphersuite)
	}
	if string(kp.SigPub) != string(keys.SigPub) {
		t.Error("parsed key package signature key does not match the one PublishKeyPackage generated")
	}
}

// TestPublishKeyPackageWithoutIdentityFails covers the precondition: an
// engine with no configured identity cannot sign a key package event.
func TestPublishKeyPackageWithoutIdentityFails(t *testing.T) {
	p := newTestParticipant(t)
	p.engine.identitySK = ""
	p.engine.identityPK = ""
	if _, _, err := p.engine.PublishKeyPackage(nil); err == nil {
		t.Error("expected an error publishing a key package without an identity")
	}
}
