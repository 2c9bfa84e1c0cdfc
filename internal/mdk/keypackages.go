package mdk

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/mls"
	"github.com/nostr-mls/mdk/internal/relay"
)

// PublishKeyPackage builds a signed kind-443 event advertising a fresh MLS
// key package for this participant, tagged with the engine's ciphersuite,
// required extensions, and optional preferred relay hints. The returned
// keys are the engine's identity-derived credential plus a fresh init
// keypair; accepting a welcome later does not read them back, since the
// engine rebuilds its member keys from its own identity.
func (e *Engine) PublishKeyPackage(relays []string) (*nostr.Event, mls.MemberKeys, error) {
	if e.identityPK == "" {
		return nil, mls.MemberKeys{}, fmt.Errorf("mdk: no identity configured, set Builder.WithIdentity")
	}
	keys, err := e.identityMemberKeys()
	if err != nil {
		return nil, mls.MemberKeys{}, err
	}
	identity, err := hex.DecodeString(e.identityPK)
	if err != nil {
		return nil, mls.MemberKeys{}, fmt.Errorf("mdk: decoding local identity pubkey: %w", err)
	}
	kp := mls.BuildKeyPackage(identity, keys, Ciphersuite, DefaultExtensions)
	raw, err := json.Marshal(kp)
	if err != nil {
		return nil, mls.MemberKeys{}, fmt.Errorf("mdk: marshaling key package: %w", err)
	}
	evt, err := e.builder.KeyPackageEvent(e.identitySK, raw, Ciphersuite, DefaultExtensions, relays)
	if err != nil {
		return nil, mls.MemberKeys{}, err
	}
	return evt, keys, nil
}

// ParseKeyPackage validates a peer's signed kind-443 event and returns the
// key package it advertises, ready to pass to CreateGroup or AddMembers.
func ParseKeyPackage(evt *nostr.Event) (mls.KeyPackage, error) {
	raw, err := relay.ParseKeyPackageEvent(evt)
	if err != nil {
		return mls.KeyPackage{}, err
	}
	var kp mls.KeyPackage
	if err := json.Unmarshal(raw, &kp); err != nil {
		return mls.KeyPackage{}, fmt.Errorf("mdk: decoding key package: %w", err)
	}
	return kp, nil
}
