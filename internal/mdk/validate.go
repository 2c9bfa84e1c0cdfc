package mdk

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/mlserr"
)

// validateGroupFields enforces the storage-size limits from config against
// a Group before it is persisted. This lives at the engine layer (not
// storage) because config, not the storage backend, owns the limits —
// C9 is a distinct component from C1 on purpose.
func (e *Engine) validateGroupFields(name, description string, admins, relays []string) error {
	lim := e.cfg.Storage
	if len(name) > lim.MaxGroupNameBytes {
		return mlserr.InvalidParameters("group name is %d bytes, exceeding the %d-byte limit", len(name), lim.MaxGroupNameBytes)
	}
	if len(description) > lim.MaxDescriptionBytes {
		return mlserr.InvalidParameters("group description is %d bytes, exceeding the %d-byte limit", len(description), lim.MaxDescriptionBytes)
	}
	if len(admins) > lim.MaxAdminsPerGroup {
		return mlserr.InvalidParameters("group has %d admins, exceeding the %d-admin limit", len(admins), lim.MaxAdminsPerGroup)
	}
	if len(relays) > lim.MaxRelaysPerGroup {
		return mlserr.InvalidParameters("group has %d relays, exceeding the %d-relay limit", len(relays), lim.MaxRelaysPerGroup)
	}
	for _, r := range relays {
		if len(r) > lim.MaxRelayURLBytes {
			return mlserr.InvalidParameters("relay url %q is %d bytes, exceeding the %d-byte limit", r, len(r), lim.MaxRelayURLBytes)
		}
	}
	return nil
}

// validateMessageFields enforces content/tags/event payload size limits
// before a Message is persisted.
func (e *Engine) validateMessageFields(content string, tags, event []byte) error {
	lim := e.cfg.Storage
	if len(content) > lim.MaxContentBytes {
		return mlserr.InvalidParameters("message content is %d bytes, exceeding the %d-byte limit", len(content), lim.MaxContentBytes)
	}
	if len(tags) > lim.MaxTagsJSONBytes {
		return mlserr.InvalidParameters("message tags are %d bytes, exceeding the %d-byte limit", len(tags), lim.MaxTagsJSONBytes)
	}
	if len(event) > lim.MaxEventJSONBytes {
		return mlserr.InvalidParameters("message event is %d bytes, exceeding the %d-byte limit", len(event), lim.MaxEventJSONBytes)
	}
	return nil
}

// validatePageLimit bounds a pagination request's limit to [1, MaxPageLimit].
// A zero limit means "unbounded" and is left alone; callers pass it through
// to storage as -1 per the sqlite backend's convention.
func (e *Engine) validatePageLimit(limit int) error {
	if limit == 0 {
		return nil
	}
	if limit < 1 || limit > e.cfg.Storage.MaxPageLimit {
		return mlserr.InvalidParameters("page limit %d is out of range [1, %d]", limit, e.cfg.Storage.MaxPageLimit)
	}
	return nil
}

// validateWrapperFreshness enforces the event-age and future-skew bounds
// from config against a received wrapper event's created_at.
func (e *Engine) validateWrapperFreshness(evt *nostr.Event) error {
	now := time.Now().Unix()
	age := now - int64(evt.CreatedAt)
	if age > e.cfg.Engine.MaxEventAgeSecs {
		return mlserr.InvalidParameters("wrapper event is %ds old, exceeding the %ds freshness window", age, e.cfg.Engine.MaxEventAgeSecs)
	}
	skew := int64(evt.CreatedAt) - now
	if skew > e.cfg.Engine.MaxFutureSkewSecs {
		return mlserr.InvalidParameters("wrapper event is %ds in the future, exceeding the %ds skew tolerance", skew, e.cfg.Engine.MaxFutureSkewSecs)
	}
	return nil
}

// isEphemeralKind reports whether kind is configured to skip storage
// entirely once decrypted (§4.4.4).
func (e *Engine) isEphemeralKind(kind int) bool {
	for _, k := range e.cfg.Engine.EphemeralKinds {
		if k == kind {
			return true
		}
	}
	return false
}
