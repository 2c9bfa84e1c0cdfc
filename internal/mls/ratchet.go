package mls

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// generationSecret is one step of a sender ratchet: a 32-byte key plus the
// generation counter it was derived at.
type generationSecret struct {
	generation uint64
	key        []byte
}

// SenderRatchet derives per-message keys from a per-(epoch, sender) base
// secret using an HKDF chain, the same shape as the double-ratchet chain
// key derivation the MLS message framing layer specifies. It tolerates
// out-of-order delivery by caching skipped generation keys up to a bound,
// and refuses to skip further than a configured forward distance (guards
// against a malicious sender forcing unbounded cache growth).
type SenderRatchet struct {
	chainKey            []byte
	generation          uint64
	outOfOrderTolerance uint64
	maxForwardDistance  uint64
	skipped             map[uint64][]byte
}

// NewSenderRatchet seeds a ratchet from a base secret (typically the
// group's per-epoch secret mixed with the sender's leaf index).
func NewSenderRatchet(baseSecret []byte, outOfOrderTolerance, maxForwardDistance uint64) *SenderRatchet {
	return &SenderRatchet{
		chainKey:            append([]byte{}, baseSecret...),
		generation:          0,
		outOfOrderTolerance: outOfOrderTolerance,
		maxForwardDistance:  maxForwardDistance,
		skipped:             make(map[uint64][]byte),
	}
}

// deriveStep advances chainKey by one generation, returning the message
// key for the generation just consumed and the next chain key.
func deriveStep(chainKey []byte) (messageKey, nextChainKey []byte) {
	r := hkdf.New(sha256.New, chainKey, nil, []byte("mdk-ratchet-step"))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("mls: hkdf ratchet step: %v", err))
	}
	return out[:32], out[32:]
}

// Next returns the key for the next outgoing message and advances the
// ratchet by one generation.
func (s *SenderRatchet) Next() (generation uint64, key []byte) {
	messageKey, nextChain := deriveStep(s.chainKey)
	gen := s.generation
	s.chainKey = nextChain
	s.generation++
	return gen, messageKey
}

// KeyForGeneration returns the message key for a specific generation,
// advancing through (and caching) any intermediate generations as needed.
// It enforces both the out-of-order tolerance (how far behind the current
// generation a key may still be fetched) and the maximum forward distance
// (how far ahead the ratchet may be advanced to satisfy a single request).
func (s *SenderRatchet) KeyForGeneration(generation uint64) ([]byte, error) {
	if key, ok := s.skipped[generation]; ok {
		delete(s.skipped, generation)
		return key, nil
	}

	if generation < s.generation {
		if s.generation-generation > s.outOfOrderTolerance {
			return nil, fmt.Errorf("mls: generation %d is %d steps behind current %d, exceeds out-of-order tolerance %d",
				generation, s.generation-generation, s.generation, s.outOfOrderTolerance)
		}
		return nil, fmt.Errorf("mls: generation %d already consumed and not cached (evicted or replayed)", generation)
	}

	if generation-s.generation > s.maxForwardDistance {
		return nil, fmt.Errorf("mls: generation %d is %d steps ahead of current %d, exceeds maximum forward distance %d",
			generation, generation-s.generation, s.generation, s.maxForwardDistance)
	}

	var target []byte
	for s.generation <= generation {
		gen, key := s.Next()
		if gen == generation {
			target = key
		} else {
			s.cacheSkipped(gen, key)
		}
	}
	if target == nil {
		return nil, fmt.Errorf("mls: failed to derive generation %d", generation)
	}
	return target, nil
}

func (s *SenderRatchet) cacheSkipped(generation uint64, key []byte) {
	s.skipped[generation] = key
	// Bound cache growth to the tolerance window; older skipped keys are
	// no longer reachable from KeyForGeneration's own backward check
	// once the ratchet has advanced past the tolerance, so prune eagerly.
	for gen := range s.skipped {
		if s.generation > s.outOfOrderTolerance && gen < s.generation-s.outOfOrderTolerance {
			delete(s.skipped, gen)
		}
	}
}

// ratchetBaseSecret derives the base chain-key material for leafIndex's
// ratchet from the current epoch secret, under its own export label.
func ratchetBaseSecret(epochSecret []byte, leafIndex int) []byte {
	leafBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(leafBytes, uint64(leafIndex))
	return exportSecret(epochSecret, []byte("mdk-sender-ratchet"), leafBytes, 32)
}

// RatchetFor returns (creating if necessary) the sender ratchet for
// leafIndex within the group's current epoch.
func (g *Group) RatchetFor(leafIndex int, outOfOrderTolerance, maxForwardDistance uint64) *SenderRatchet {
	if r, ok := g.ratchets[leafIndex]; ok {
		return r
	}
	base := ratchetBaseSecret(g.state.EpochSecret, leafIndex)
	r := NewSenderRatchet(base, outOfOrderTolerance, maxForwardDistance)
	g.ratchets[leafIndex] = r
	return r
}
