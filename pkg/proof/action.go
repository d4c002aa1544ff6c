// Package proof defines the Action and Proof data shapes and the hashing and
// binding rules between them. Everything that is hashed or signed here uses a
// fixed-width, versioned binary encoding: field order is part of the contract,
// which self-describing formats like JSON do not guarantee.
package proof

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/aegis-kernel/aegis/pkg/canonical"
)

// ActionType categorizes what an action does.
type ActionType string

const (
	ActionDelete  ActionType = "delete"
	ActionWrite   ActionType = "write"
	ActionRead    ActionType = "read"
	ActionExecute ActionType = "execute"
	ActionNetwork ActionType = "network"
)

// Action is a discrete operation an agent wants to perform. Immutable once
// constructed; its identity is the canonical hash.
type Action struct {
	Type    ActionType
	Target  string
	Payload []byte
}

// Delete constructs a delete action.
func Delete(target string) *Action {
	return &Action{Type: ActionDelete, Target: target}
}

// Write constructs a write action with content payload.
func Write(target string, payload []byte) *Action {
	return &Action{Type: ActionWrite, Target: target, Payload: payload}
}

// Read constructs a read action.
func Read(target string) *Action {
	return &Action{Type: ActionRead, Target: target}
}

// Execute constructs a command execution action.
func Execute(command string) *Action {
	return &Action{Type: ActionExecute, Target: command}
}

// actionEncodingVersion tags the canonical encoding so the hash stays
// deterministic across releases.
const actionEncodingVersion byte = 1

// CanonicalBytes returns the versioned binary encoding of the action with
// type and target in canonical folded form. Layout:
//
//	version (1) || len(type) (4, LE) || type || len(target) (4, LE) || target
//	|| len(payload) (4, LE) || payload
func (a *Action) CanonicalBytes() ([]byte, error) {
	typ, err := canonical.Fold(string(a.Type))
	if err != nil {
		return nil, fmt.Errorf("action type: %w", err)
	}
	target, err := canonical.Fold(a.Target)
	if err != nil {
		return nil, fmt.Errorf("action target: %w", err)
	}

	buf := make([]byte, 0, 1+12+len(typ)+len(target)+len(a.Payload))
	buf = append(buf, actionEncodingVersion)
	buf = appendLengthPrefixed(buf, []byte(typ))
	buf = appendLengthPrefixed(buf, []byte(target))
	buf = appendLengthPrefixed(buf, a.Payload)
	return buf, nil
}

// Hash returns the 256-bit canonical identity of the action.
func (a *Action) Hash() ([32]byte, error) {
	enc, err := a.CanonicalBytes()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(enc), nil
}

// Description returns the canonical human-readable form used in audit
// entries and rule matching, e.g. "execute curl http://x".
func (a *Action) Description() (string, error) {
	typ, err := canonical.Fold(string(a.Type))
	if err != nil {
		return "", err
	}
	target, err := canonical.Fold(a.Target)
	if err != nil {
		return "", err
	}
	return typ + " " + target, nil
}

func appendLengthPrefixed(buf, field []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}
