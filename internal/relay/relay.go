// Package relay builds and parses the three relay event shapes the MDK
// engine exchanges with collaborators: key packages (kind 443), group
// messages (kind 445), and giftwrapped welcomes (kind 1059). It wraps
// github.com/nbd-wtf/go-nostr for event construction/signing and
// github.com/nbd-wtf/go-nostr/nip59 for giftwrap sealing, the same
// primitives a relay-facing client in this ecosystem reaches for.
package relay

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip59"
)

// Event kinds the engine produces and consumes. Named here rather than
// inlined so call sites read as intent, not magic numbers.
const (
	KindMlsKeyPackage   = 443
	KindMlsWelcome      = 444
	KindMlsGroupMessage = 445
	KindGiftWrap        = 1059
)

// Builder constructs and signs the relay-visible events the engine emits.
// It never holds the caller's long-term identity key beyond the call that
// needs it; ephemeral keys are generated fresh per wrapper event.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder returns an event Builder.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{logger: logger}
}

// KeyPackageEvent builds a signed kind-443 event carrying a serialized MLS
// key package. ciphersuites/extensions are tag-encoded for discovery;
// relays is the optional preferred-relay hint. Signed with the caller's
// identity key, since a key package's entire purpose is to assert identity.
func (b *Builder) KeyPackageEvent(identitySK string, keyPackage []byte, ciphersuite string, extensions []string, relays []string) (*nostr.Event, error) {
	tags := nostr.Tags{
		{"mls_protocol_version", "1.0"},
		{"ciphersuite", ciphersuite},
	}
	if len(extensions) > 0 {
		tags = append(tags, append(nostr.Tag{"extensions"}, extensions...))
	}
	for _, r := range relays {
		tags = append(tags, nostr.Tag{"relay", r})
	}
	// Strip any NIP-70 "protected" tag: popular relays reject protected
	// kind-443 publishes, and key packages must be widely fetchable.
	tags = stripProtectedTag(tags)

	evt := nostr.Event{
		Kind:      KindMlsKeyPackage,
		CreatedAt: nostr.Now(),
		Content:   hex.EncodeToString(keyPackage),
		Tags:      tags,
	}
	if err := evt.Sign(identitySK); err != nil {
		return nil, fmt.Errorf("signing key package event: %w", err)
	}
	return &evt, nil
}

// ParseKeyPackageEvent extracts the raw MLS key package bytes from a signed
// kind-443 event, verifying the signature first.
func ParseKeyPackageEvent(evt *nostr.Event) ([]byte, error) {
	if evt.Kind != KindMlsKeyPackage {
		return nil, fmt.Errorf("relay: expected kind %d, got %d", KindMlsKeyPackage, evt.Kind)
	}
	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		return nil, fmt.Errorf("relay: key package event signature invalid")
	}
	kp, err := hex.DecodeString(evt.Content)
	if err != nil {
		return nil, fmt.Errorf("relay: decoding key package content: %w", err)
	}
	return kp, nil
}

// GroupMessageEvent builds a signed kind-445 event wrapping an MLS
// ciphertext. A fresh ephemeral key is generated for every call: the
// engine never publishes its own identity key on group-message traffic.
func GroupMessageEvent(nostrGroupID [32]byte, ciphertext []byte, extraTags nostr.Tags) (*nostr.Event, string, error) {
	ephemeralSK := nostr.GeneratePrivateKey()

	tags := nostr.Tags{{"h", hex.EncodeToString(nostrGroupID[:])}}
	tags = append(tags, extraTags...)

	evt := nostr.Event{
		Kind:      KindMlsGroupMessage,
		CreatedAt: nostr.Now(),
		Content:   hex.EncodeToString(ciphertext),
		Tags:      tags,
	}
	if err := evt.Sign(ephemeralSK); err != nil {
		return nil, "", fmt.Errorf("signing group message event: %w", err)
	}
	ephemeralPK, err := nostr.GetPublicKey(ephemeralSK)
	if err != nil {
		return nil, "", fmt.Errorf("deriving ephemeral pubkey: %w", err)
	}
	return &evt, ephemeralPK, nil
}

// ParseGroupMessageEvent validates a kind-445 wrapper event's shape and
// returns its NostrGroupId and opaque ciphertext. It does not attempt
// decryption; that is the MLS layer's job.
func ParseGroupMessageEvent(evt *nostr.Event) (groupID [32]byte, ciphertext []byte, err error) {
	if evt.Kind != KindMlsGroupMessage {
		return groupID, nil, fmt.Errorf("relay: expected kind %d, got %d", KindMlsGroupMessage, evt.Kind)
	}
	hTags := evt.Tags.GetAll([]string{"h"})
	if len(hTags) != 1 {
		return groupID, nil, fmt.Errorf("relay: wrapper event must carry exactly one h tag, got %d", len(hTags))
	}
	raw, err := hex.DecodeString(hTags[0].Value())
	if err != nil || len(raw) != 32 {
		return groupID, nil, fmt.Errorf("relay: invalid h tag value %q", hTags[0].Value())
	}
	copy(groupID[:], raw)

	ciphertext, err = hex.DecodeString(evt.Content)
	if err != nil {
		return groupID, nil, fmt.Errorf("relay: decoding wrapper content: %w", err)
	}
	return groupID, ciphertext, nil
}

// Encrypter matches the shape nip59 expects for sealing: given the
// recipient's pubkey and a plaintext, return the NIP-44 ciphertext.
type Encrypter func(recipientPubkey, plaintext string) (string, error)

// Decrypter matches the shape nip59.GiftUnwrap expects: given the sender's
// ephemeral pubkey and a ciphertext, return the plaintext.
type Decrypter func(otherPubkey, ciphertext string) (string, error)

// GiftWrapWelcome seals an MLS welcome rumor for recipientPubkey using
// nip59, signed under a fresh ephemeral key distinct from the sender's
// identity key. encrypt performs the NIP-44 encryption step under whatever
// key material the caller's identity layer manages.
func GiftWrapWelcome(rumor nostr.Event, recipientPubkey string, encrypt Encrypter) (*nostr.Event, error) {
	wrapped, err := nip59.GiftWrap(rumor, recipientPubkey, func(pk, plaintext string) (string, error) {
		return encrypt(pk, plaintext)
	})
	if err != nil {
		return nil, fmt.Errorf("relay: gift-wrapping welcome: %w", err)
	}
	return &wrapped, nil
}

// UnwrapGiftWrap unseals a kind-1059 event addressed to the local
// participant, returning the inner rumor (an MLS welcome or another
// application-level payload).
func UnwrapGiftWrap(evt nostr.Event, decrypt Decrypter) (nostr.Event, error) {
	if evt.Kind != KindGiftWrap {
		return nostr.Event{}, fmt.Errorf("relay: expected kind %d, got %d", KindGiftWrap, evt.Kind)
	}
	rumor, err := nip59.GiftUnwrap(evt, func(otherPubkey, ciphertext string) (string, error) {
		return decrypt(otherPubkey, ciphertext)
	})
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: unwrapping giftwrap: %w", err)
	}
	return rumor, nil
}

// stripProtectedTag removes a NIP-70 "-" (protected) tag if present.
func stripProtectedTag(tags nostr.Tags) nostr.Tags {
	out := tags[:0:0]
	for _, t := range tags {
		if len(t) > 0 && t[0] == "-" {
			continue
		}
		out = append(out, t)
	}
	return out
}
