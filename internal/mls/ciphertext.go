package mls

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Ciphertext is the wire form of an encrypted application message: the
// sender's leaf index and ratchet generation (needed to derive the
// decryption key) plus the AEAD nonce and sealed bytes.
type Ciphertext struct {
	Epoch      uint64 `json:"epoch"`
	SenderLeaf int    `json:"sender_leaf"`
	Generation uint64 `json:"generation"`
	Nonce      []byte `json:"nonce"`
	Sealed     []byte `json:"sealed"`
}

// EncryptApplicationMessage seals plaintext under the sending member's
// current ratchet generation, advancing the ratchet by one step.
func (g *Group) EncryptApplicationMessage(plaintext []byte, outOfOrderTolerance, maxForwardDistance uint64) (*Ciphertext, error) {
	ratchet := g.RatchetFor(g.state.OwnLeafIndex, outOfOrderTolerance, maxForwardDistance)
	generation, key := ratchet.Next()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("mls: building AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mls: generating nonce: %w", err)
	}

	aad := aadFor(g.state.GroupID, g.state.Epoch, g.state.OwnLeafIndex, generation)
	sealed := aead.Seal(nil, nonce, plaintext, aad)

	return &Ciphertext{
		Epoch:      g.state.Epoch,
		SenderLeaf: g.state.OwnLeafIndex,
		Generation: generation,
		Nonce:      nonce,
		Sealed:     sealed,
	}, nil
}

// DecryptApplicationMessage opens a Ciphertext produced by another member
// of the group at the current epoch and returns the plaintext. The caller
// looks up the sender's credential with CredentialFor(ct.SenderLeaf) for
// author binding.
func (g *Group) DecryptApplicationMessage(ct *Ciphertext, outOfOrderTolerance, maxForwardDistance uint64) (plaintext []byte, err error) {
	if ct.Epoch != g.state.Epoch {
		return nil, fmt.Errorf("mls: ciphertext epoch %d does not match group epoch %d", ct.Epoch, g.state.Epoch)
	}

	ratchet := g.RatchetFor(ct.SenderLeaf, outOfOrderTolerance, maxForwardDistance)
	key, err := ratchet.KeyForGeneration(ct.Generation)
	if err != nil {
		return nil, fmt.Errorf("mls: deriving key for generation %d: %w", ct.Generation, err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("mls: building AEAD: %w", err)
	}

	aad := aadFor(g.state.GroupID, ct.Epoch, ct.SenderLeaf, ct.Generation)
	plaintext, err = aead.Open(nil, ct.Nonce, ct.Sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("mls: decryption failed: %w", err)
	}
	return plaintext, nil
}

func aadFor(groupID []byte, epoch uint64, senderLeaf int, generation uint64) []byte {
	aad := make([]byte, 0, len(groupID)+8+8+8)
	aad = append(aad, groupID...)
	var epochBytes, leafBytes, genBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	binary.BigEndian.PutUint64(leafBytes[:], uint64(senderLeaf))
	binary.BigEndian.PutUint64(genBytes[:], generation)
	aad = append(aad, epochBytes[:]...)
	aad = append(aad, leafBytes[:]...)
	aad = append(aad, genBytes[:]...)
	return aad
}
