package media

import (
	"testing"
)

func testReference() Reference {
	return Reference{
		URL:           "https://blossom.example/abc123",
		MimeType:      "image/jpeg",
		Filename:      "vacation.jpg",
		Nonce:         []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c},
		SchemeVersion: SchemeV2,
		OriginalHash:  FileHash([]byte("vacation photo bytes")),
		Width:         1920,
		Height:        1080,
		Blurhash:      "LEHV6nWB2yk8pyo0adR*.7kCMdnj",
	}
}

func TestReferenceTagRoundTrip(t *testing.T) {
	ref := testReference()
	parsed, err := ParseTag(ref.Tag())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.URL != ref.URL {
		t.Errorf("URL = %q, want %q", parsed.URL, ref.URL)
	}
	if parsed.MimeType != ref.MimeType {
		t.Errorf("MimeType = %q, want %q", parsed.MimeType, ref.MimeType)
	}
	if parsed.Filename != ref.Filename {
		t.Errorf("Filename = %q, want %q", parsed.Filename, ref.Filename)
	}
	if parsed.SchemeVersion != ref.SchemeVersion {
		t.Errorf("SchemeVersion = %q, want %q", parsed.SchemeVersion, ref.SchemeVersion)
	}
	if parsed.OriginalHash != ref.OriginalHash {
		t.Error("OriginalHash round-trip mismatch")
	}
	if string(parsed.Nonce) != string(ref.Nonce) {
		t.Error("Nonce round-trip mismatch")
	}
	if parsed.Width != ref.Width || parsed.Height != ref.Height {
		t.Errorf("dimensions = %dx%d, want %dx%d", parsed.Width, parsed.Height, ref.Width, ref.Height)
	}
	if parsed.Blurhash != ref.Blurhash {
		t.Errorf("Blurhash = %q, want %q", parsed.Blurhash, ref.Blurhash)
	}
}

func TestReferenceTagOmitsAbsentOptionalFields(t *testing.T) {
	ref := testReference()
	ref.Width, ref.Height = 0, 0
	ref.Blurhash = ""

	parsed, err := ParseTag(ref.Tag())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Width != 0 || parsed.Height != 0 {
		t.Error("expected no dimensions to be parsed back")
	}
	if parsed.Blurhash != "" {
		t.Error("expected no blurhash to be parsed back")
	}
}

func TestParseTagRejectsWrongTagName(t *testing.T) {
	if _, err := ParseTag([]string{"not-imeta", "url x"}); err == nil {
		t.Error("expected an error for a non-imeta tag")
	}
}

func TestParseTagRejectsMissingRequiredFields(t *testing.T) {
	if _, err := ParseTag([]string{"imeta", "m image/jpeg"}); err == nil {
		t.Error("expected an error when url/scheme_version/nonce are missing")
	}
}

func TestParseTagRejectsMalformedHash(t *testing.T) {
	tag := []string{"imeta", "url https://x", "x not-hex", "nonce aabbccddeeff00112233445566"}
	if _, err := ParseTag(tag); err == nil {
		t.Error("expected an error for a malformed original_hash field")
	}
}
