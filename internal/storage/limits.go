package storage

import (
	"github.com/nostr-mls/mdk/internal/mlserr"
	"github.com/nostr-mls/mdk/internal/models"
)

// Hard ceilings every Provider implementation enforces at insertion time,
// independent of whatever (possibly stricter) limits the engine layer
// already checked. These are the backstop the Provider interface itself
// promises; a caller that bypasses the engine's validation still cannot
// write an oversized row or request an unbounded page directly against a
// conforming backend.
const (
	MaxPageLimit = 500

	MaxGroupNameBytes   = 256
	MaxDescriptionBytes = 4096
	MaxAdminsPerGroup   = 100
	MaxRelaysPerGroup   = 100
	MaxRelayURLBytes    = 512

	MaxContentBytes   = 1 << 20
	MaxTagsJSONBytes  = 64 << 10
	MaxEventJSONBytes = 512 << 10
)

// ValidatePageLimit bounds a ListMessages-style limit to [1, MaxPageLimit].
// limit == 0 means "unbounded" and is always accepted.
func ValidatePageLimit(limit int) error {
	if limit == 0 {
		return nil
	}
	if limit < 1 || limit > MaxPageLimit {
		return mlserr.InvalidParameters("page limit %d is out of range [1, %d]", limit, MaxPageLimit)
	}
	return nil
}

// ValidateGroupFields enforces the size limits on a Group row's
// variable-length fields at insertion time.
func ValidateGroupFields(g *models.Group) error {
	if len(g.Name) > MaxGroupNameBytes {
		return mlserr.InvalidParameters("group name is %d bytes, exceeds limit %d", len(g.Name), MaxGroupNameBytes)
	}
	if len(g.Description) > MaxDescriptionBytes {
		return mlserr.InvalidParameters("group description is %d bytes, exceeds limit %d", len(g.Description), MaxDescriptionBytes)
	}
	if len(g.AdminPubkeys) > MaxAdminsPerGroup {
		return mlserr.InvalidParameters("group has %d admins, exceeds limit %d", len(g.AdminPubkeys), MaxAdminsPerGroup)
	}
	return nil
}

// ValidateRelays enforces the per-group relay count and per-URL length
// limits at insertion time.
func ValidateRelays(relays []string) error {
	if len(relays) > MaxRelaysPerGroup {
		return mlserr.InvalidParameters("group has %d relays, exceeds limit %d", len(relays), MaxRelaysPerGroup)
	}
	for _, r := range relays {
		if len(r) > MaxRelayURLBytes {
			return mlserr.InvalidParameters("relay url is %d bytes, exceeds limit %d", len(r), MaxRelayURLBytes)
		}
	}
	return nil
}

// ValidateMessageFields enforces payload size limits on a Message row's
// content, tags, and raw event fields at insertion time.
func ValidateMessageFields(m *models.Message) error {
	if len(m.Content) > MaxContentBytes {
		return mlserr.InvalidParameters("message content is %d bytes, exceeds limit %d", len(m.Content), MaxContentBytes)
	}
	if len(m.Tags) > MaxTagsJSONBytes {
		return mlserr.InvalidParameters("message tags are %d bytes, exceeds limit %d", len(m.Tags), MaxTagsJSONBytes)
	}
	if len(m.Event) > MaxEventJSONBytes {
		return mlserr.InvalidParameters("message event is %d bytes, exceeds limit %d", len(m.Event), MaxEventJSONBytes)
	}
	return nil
}
