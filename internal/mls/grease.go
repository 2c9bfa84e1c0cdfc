package mls

import (
	"crypto/rand"
	"encoding/binary"
)

// greaseValues are reserved codepoints per RFC 9420 §13.5, chosen so they
// never collide with a real assigned value (every one ends in the same
// low nibble pattern TLS/MLS GREASE conventionally reserves).
var greaseValues = []uint16{
	0x0A0A, 0x1A1A, 0x2A2A, 0x3A3A, 0x4A4A, 0x5A5A, 0x6A6A, 0x7A7A,
	0x8A8A, 0x9A9A, 0xAAAA, 0xBABA, 0xCACA, 0xDADA, 0xEAEA, 0xFAFA,
}

// GreaseValues carries randomly-selected unknown codepoints injected into
// a key package's capability lists, so a peer that cannot tolerate
// unrecognized ciphersuites, extensions, proposals, or credential types
// fails loudly in testing instead of silently in the field.
type GreaseValues struct {
	Ciphersuite uint16 `json:"ciphersuite"`
	Extension   uint16 `json:"extension"`
	Proposal    uint16 `json:"proposal"`
	Credential  uint16 `json:"credential"`
}

// NewGrease picks one random GREASE value per capability list.
func NewGrease() GreaseValues {
	return GreaseValues{
		Ciphersuite: randomGrease(),
		Extension:   randomGrease(),
		Proposal:    randomGrease(),
		Credential:  randomGrease(),
	}
}

func randomGrease() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return greaseValues[0]
	}
	idx := int(binary.BigEndian.Uint16(b[:])) % len(greaseValues)
	return greaseValues[idx]
}

// IsGrease reports whether v is one of the reserved GREASE codepoints, so
// a receiver can recognize and ignore it rather than treating it as an
// unsupported-but-real capability.
func IsGrease(v uint16) bool {
	for _, g := range greaseValues {
		if g == v {
			return true
		}
	}
	return false
}
