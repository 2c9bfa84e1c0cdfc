// Package media implements encrypted attachments (MIP-04): per-attachment
// ChaCha20-Poly1305 keys derived from a group's epoch exporter secret via
// HKDF, image preflight bounds to guard against decompression bombs,
// EXIF-orientation-preserving metadata stripping, and the imeta tag that
// carries an attachment's reference alongside a message.
package media

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Reference is the parsed form of a message's imeta tag: everything a
// recipient needs to fetch, decrypt, and display one attachment.
type Reference struct {
	URL           string
	MimeType      string
	Filename      string
	Nonce         []byte
	SchemeVersion string
	OriginalHash  [32]byte
	Width         int // 0 when absent
	Height        int // 0 when absent
	Blurhash      string
}

// Tag serializes a Reference into the single `imeta` tag the engine attaches
// to a message carrying one encrypted attachment. Binary fields are
// hex-encoded since nostr tag values are strings.
func (r Reference) Tag() nostr.Tag {
	tag := nostr.Tag{
		"imeta",
		"url " + r.URL,
		"m " + r.MimeType,
		"filename " + r.Filename,
		"x " + hex.EncodeToString(r.OriginalHash[:]),
		"nonce " + hex.EncodeToString(r.Nonce),
		"scheme_version " + r.SchemeVersion,
	}
	if r.Width > 0 && r.Height > 0 {
		tag = append(tag, fmt.Sprintf("dim %dx%d", r.Width, r.Height))
	}
	if r.Blurhash != "" {
		tag = append(tag, "blurhash "+r.Blurhash)
	}
	return tag
}

// ParseTag reverses Tag, rejecting a reference whose nonce or hash fields
// are malformed rather than silently truncating them.
func ParseTag(tag nostr.Tag) (Reference, error) {
	if len(tag) == 0 || tag[0] != "imeta" {
		return Reference{}, fmt.Errorf("media: not an imeta tag")
	}
	var r Reference
	for _, field := range tag[1:] {
		key, value, ok := splitField(field)
		if !ok {
			continue
		}
		switch key {
		case "url":
			r.URL = value
		case "m":
			r.MimeType = value
		case "filename":
			r.Filename = value
		case "x":
			raw, err := hex.DecodeString(value)
			if err != nil || len(raw) != 32 {
				return Reference{}, fmt.Errorf("media: invalid original_hash %q", value)
			}
			copy(r.OriginalHash[:], raw)
		case "nonce":
			raw, err := hex.DecodeString(value)
			if err != nil {
				return Reference{}, fmt.Errorf("media: invalid nonce %q", value)
			}
			r.Nonce = raw
		case "scheme_version":
			r.SchemeVersion = value
		case "dim":
			w, h, ok := splitDimensions(value)
			if ok {
				r.Width, r.Height = w, h
			}
		case "blurhash":
			r.Blurhash = value
		}
	}
	if r.URL == "" || r.SchemeVersion == "" || len(r.Nonce) == 0 {
		return Reference{}, fmt.Errorf("media: imeta tag missing required fields")
	}
	return r, nil
}

// splitField splits a "key value" imeta field on its first space.
func splitField(field string) (key, value string, ok bool) {
	for i := 0; i < len(field); i++ {
		if field[i] == ' ' {
			return field[:i], field[i+1:], true
		}
	}
	return "", "", false
}

// splitDimensions parses a "WxH" dim field.
func splitDimensions(s string) (w, h int, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == 'x' {
			wv, err1 := strconv.Atoi(s[:i])
			hv, err2 := strconv.Atoi(s[i+1:])
			if err1 != nil || err2 != nil {
				return 0, 0, false
			}
			return wv, hv, true
		}
	}
	return 0, 0, false
}
