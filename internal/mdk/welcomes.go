package mdk

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/nostr-mls/mdk/internal/relay"
)

// SealWelcome giftwraps a welcome rumor for one recipient, sealed under a
// NIP-44 key derived from the local identity and the recipient's pubkey,
// and signed with a fresh ephemeral key distinct from the identity key
// (§6: the engine never publishes its own identity key on this traffic).
func (e *Engine) SealWelcome(w WelcomeRumor) (*nostr.Event, error) {
	if e.identitySK == "" {
		return nil, fmt.Errorf("mdk: no identity configured, set Builder.WithIdentity")
	}
	return relay.GiftWrapWelcome(w.Rumor, w.RecipientPubkey, e.nip44Encrypt)
}

// UnsealWelcome unwraps a kind-1059 giftwrap event addressed to the local
// identity key, returning the inner rumor for ProcessWelcome.
func (e *Engine) UnsealWelcome(ctx context.Context, evt nostr.Event) (nostr.Event, error) {
	if e.identitySK == "" {
		return nostr.Event{}, fmt.Errorf("mdk: no identity configured, set Builder.WithIdentity")
	}
	return relay.UnwrapGiftWrap(evt, e.nip44Decrypt)
}

// nip44Encrypt matches relay.Encrypter: it derives the NIP-44 conversation
// key from the local identity secret key and the recipient's pubkey.
func (e *Engine) nip44Encrypt(recipientPubkey, plaintext string) (string, error) {
	key, err := nip44.GenerateConversationKey(recipientPubkey, e.identitySK)
	if err != nil {
		return "", fmt.Errorf("mdk: deriving nip44 key: %w", err)
	}
	return nip44.Encrypt(plaintext, key)
}

// nip44Decrypt matches relay.Decrypter: it derives the NIP-44 conversation
// key from the sender's ephemeral pubkey and the local identity secret key.
func (e *Engine) nip44Decrypt(senderPubkey, ciphertext string) (string, error) {
	key, err := nip44.GenerateConversationKey(senderPubkey, e.identitySK)
	if err != nil {
		return "", fmt.Errorf("mdk: deriving nip44 key: %w", err)
	}
	return nip44.Decrypt(ciphertext, key)
}
