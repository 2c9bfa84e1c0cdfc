package media

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/nostr-mls/mdk/internal/mlserr"
	"github.com/nostr-mls/mdk/internal/models"
)

// SchemeVersion identifies a version of the attachment encryption scheme.
// Only SchemeV2 is accepted; SchemeV1 is named so callers get a clear
// rejection rather than an unrecognized-string error.
const (
	SchemeV1 = "mip04-v1"
	SchemeV2 = "mip04-v2"

	// DefaultSchemeVersion is the version new attachments are encrypted
	// under.
	DefaultSchemeVersion = SchemeV2

	keyLen   = 32
	nonceLen = chacha20poly1305.NonceSize // 12
)

// schemeLabels maps a supported version string to the domain-separation
// label mixed into both the HKDF context and the AEAD's AAD. mip04-v1 is
// deliberately absent: it had a key-derivation weakness and is rejected for
// both encryption and decryption.
var schemeLabels = map[string][]byte{
	SchemeV2: []byte(SchemeV2),
}

func schemeLabel(version string) ([]byte, error) {
	label, ok := schemeLabels[version]
	if !ok {
		return nil, mlserr.UnknownSchemeVersion(version)
	}
	return label, nil
}

// buildContext assembles the HKDF info parameter:
// label || 0x00 || fileHash || 0x00 || mimeType || 0x00 || filename || 0x00 || suffix
func buildContext(label, fileHash []byte, mimeType, filename string, suffix []byte) []byte {
	out := make([]byte, 0, len(label)+1+len(fileHash)+1+len(mimeType)+1+len(filename)+1+len(suffix))
	out = append(out, label...)
	out = append(out, 0x00)
	out = append(out, fileHash...)
	out = append(out, 0x00)
	out = append(out, mimeType...)
	out = append(out, 0x00)
	out = append(out, filename...)
	out = append(out, 0x00)
	out = append(out, suffix...)
	return out
}

// buildAAD assembles the AEAD associated data:
// label || 0x00 || fileHash || 0x00 || mimeType || 0x00 || filename
func buildAAD(label, fileHash []byte, mimeType, filename string) []byte {
	out := make([]byte, 0, len(label)+1+len(fileHash)+1+len(mimeType)+1+len(filename))
	out = append(out, label...)
	out = append(out, 0x00)
	out = append(out, fileHash...)
	out = append(out, 0x00)
	out = append(out, mimeType...)
	out = append(out, 0x00)
	out = append(out, filename...)
	return out
}

// FileHash returns the SHA-256 digest of data, the file_hash component of
// both the HKDF context and the AAD.
func FileHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// DeriveKey derives the 32-byte attachment key from an exporter secret via
// HKDF-Expand-SHA256, using scheme, fileHash, mimeType, and filename as
// domain separation. The "key" suffix keeps this derivation distinct from
// any future derivation sharing the same exporter secret.
func DeriveKey(exporterSecret []byte, scheme string, fileHash [32]byte, mimeType, filename string) (models.Secret[[]byte], error) {
	label, err := schemeLabel(scheme)
	if err != nil {
		return models.Secret[[]byte]{}, err
	}
	context := buildContext(label, fileHash[:], mimeType, filename, []byte("key"))

	key := make([]byte, keyLen)
	r := hkdf.Expand(sha256.New, exporterSecret, context)
	if _, err := io.ReadFull(r, key); err != nil {
		return models.Secret[[]byte]{}, mlserr.Crypto("deriving attachment key", err)
	}
	return models.NewSecret(key), nil
}

// GenerateNonce reads a random 96-bit ChaCha20-Poly1305 nonce. The caller
// must keep it alongside the ciphertext (typically in the imeta tag) since
// decryption requires the exact nonce used at encryption time.
func GenerateNonce(rand io.Reader) ([]byte, error) {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, mlserr.Crypto("generating attachment nonce", err)
	}
	return nonce, nil
}

// Encrypt seals data under key/nonce with ChaCha20-Poly1305, binding
// scheme/fileHash/mimeType/filename into the AAD so any mismatch at
// decryption time fails the authentication check rather than silently
// producing garbage.
func Encrypt(data []byte, key models.Secret[[]byte], nonce []byte, scheme string, fileHash [32]byte, mimeType, filename string) ([]byte, error) {
	label, err := schemeLabel(scheme)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key.Expose())
	if err != nil {
		return nil, mlserr.Crypto("constructing attachment cipher", err)
	}
	if len(nonce) != nonceLen {
		return nil, mlserr.InvalidParameters("attachment nonce must be %d bytes, got %d", nonceLen, len(nonce))
	}
	aad := buildAAD(label, fileHash[:], mimeType, filename)
	return aead.Seal(nil, nonce, data, aad), nil
}

// Decrypt opens ciphertext sealed by Encrypt. Every AAD component —
// scheme, fileHash, mimeType, filename — and the key and nonce must match
// the values used at encryption time or the authentication check fails.
func Decrypt(ciphertext []byte, key models.Secret[[]byte], nonce []byte, scheme string, fileHash [32]byte, mimeType, filename string) ([]byte, error) {
	label, err := schemeLabel(scheme)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key.Expose())
	if err != nil {
		return nil, mlserr.Crypto("constructing attachment cipher", err)
	}
	if len(nonce) != nonceLen {
		return nil, mlserr.Crypto("decrypting attachment", fmt.Errorf("nonce must be %d bytes, got %d", nonceLen, len(nonce)))
	}
	aad := buildAAD(label, fileHash[:], mimeType, filename)
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, mlserr.Crypto("decrypting attachment", err)
	}
	return plaintext, nil
}

// DecryptWithFallback tries each exporter secret in order (the current
// epoch's first, then older epochs descending) until one successfully
// authenticates, returning the plaintext from the first secret that works.
// An attachment encrypted under a retired, no-longer-retained epoch
// exhausts every candidate and returns the last decryption error —
// unrecoverable by design, since forward secrecy means older secrets are
// not kept forever.
func DecryptWithFallback(ciphertext []byte, secrets []models.Secret[[]byte], nonce []byte, scheme string, fileHash [32]byte, mimeType, filename string) ([]byte, error) {
	if len(secrets) == 0 {
		return nil, mlserr.Crypto("decrypting attachment", fmt.Errorf("no exporter secrets available to try"))
	}
	var lastErr error
	for _, secret := range secrets {
		key, err := DeriveKey(secret.Expose(), scheme, fileHash, mimeType, filename)
		if err != nil {
			return nil, err
		}
		plaintext, err := Decrypt(ciphertext, key, nonce, scheme, fileHash, mimeType, filename)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
