// Package auditlog chains verified decisions into a tamper-evident,
// append-only log. Each entry commits to its predecessor's hash; append is
// the only mutation and there is no update or delete operation by design.
package auditlog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
)

// BrokenChainError reports an integrity failure with the offending index for
// forensic use. The chain is never auto-repaired.
type BrokenChainError struct {
	Index  uint64
	Reason string
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", e.Index, e.Reason)
}

// Entry is one immutable record in the chain. PrevHash is all-zero for
// entry 0 (genesis).
type Entry struct {
	Index             uint64
	Timestamp         uint64 // epoch seconds
	ActionDescription string
	Proof             *proof.Proof
	PrevHash          [32]byte
	EntryHash         [32]byte
	Signature         []byte
}

const entryEncodingVersion byte = 1

// hashPreimage serializes the fields the entry hash commits to:
// index, timestamp, description, full proof encoding, previous hash.
func (e *Entry) hashPreimage() ([]byte, error) {
	proofBytes, err := e.Proof.Encode()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+16+8+len(e.ActionDescription)+len(proofBytes)+32)
	buf = append(buf, entryEncodingVersion)
	buf = binary.LittleEndian.AppendUint64(buf, e.Index)
	buf = binary.LittleEndian.AppendUint64(buf, e.Timestamp)
	buf = appendLengthPrefixed(buf, []byte(e.ActionDescription))
	buf = appendLengthPrefixed(buf, proofBytes)
	buf = append(buf, e.PrevHash[:]...)
	return buf, nil
}

func (e *Entry) computeHash() ([32]byte, error) {
	preimage, err := e.hashPreimage()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(preimage), nil
}

// Store persists entries. Implementations are append-only: no update or
// delete surface exists on the interface.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// Log is the in-process chain head. Writers are serialized under one lock;
// finished entries are immutable and may be read without it via Entries.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	signer  crypto.Signer
	store   Store
	clock   func() time.Time
}

// NewLog creates an empty in-memory log.
func NewLog(signer crypto.Signer) *Log {
	return &Log{signer: signer, clock: time.Now}
}

// NewLogWithStore creates a log backed by persistent storage, loading any
// existing entries. The loaded chain is verified before use: a store that
// fails integrity is rejected, not silently adopted.
func NewLogWithStore(ctx context.Context, signer crypto.Signer, store Store) (*Log, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	l := &Log{entries: entries, signer: signer, store: store, clock: time.Now}
	if err := l.VerifyChain(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append computes the next entry, chains it to the predecessor, signs it and
// persists it. The whole compute-link-append step runs under the write lock.
func (l *Log) Append(ctx context.Context, actionDescription string, p *proof.Proof) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Index:             uint64(len(l.entries)),
		Timestamp:         uint64(l.clock().Unix()),
		ActionDescription: actionDescription,
		Proof:             p,
	}
	if len(l.entries) > 0 {
		entry.PrevHash = l.entries[len(l.entries)-1].EntryHash
	}

	hash, err := entry.computeHash()
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	sig, err := l.signer.Sign(entry.EntryHash[:])
	if err != nil {
		return nil, err
	}
	entry.Signature = sig

	if l.store != nil {
		if err := l.store.Append(ctx, &entry); err != nil {
			return nil, fmt.Errorf("persist audit entry %d: %w", entry.Index, err)
		}
	}

	l.entries = append(l.entries, entry)
	return &entry, nil
}

// VerifyChain walks every entry from 0, recomputing each entry hash from its
// fields and the stored previous hash, and independently recomputing the
// expected previous hash as the prior entry's actual hash. Content tampering,
// reordering and deletion all surface as a BrokenChainError citing the first
// divergent index.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var expectedPrev [32]byte
	for i := range l.entries {
		e := &l.entries[i]

		if e.Index != uint64(i) {
			return &BrokenChainError{Index: uint64(i), Reason: fmt.Sprintf("index %d out of sequence", e.Index)}
		}
		if !bytes.Equal(e.PrevHash[:], expectedPrev[:]) {
			return &BrokenChainError{Index: e.Index, Reason: "previous hash does not match prior entry"}
		}

		recomputed, err := e.computeHash()
		if err != nil {
			return &BrokenChainError{Index: e.Index, Reason: fmt.Sprintf("hash recomputation failed: %v", err)}
		}
		if !bytes.Equal(recomputed[:], e.EntryHash[:]) {
			return &BrokenChainError{Index: e.Index, Reason: "entry hash does not match content"}
		}

		if !l.signer.Verify(e.EntryHash[:], e.Signature) {
			return &BrokenChainError{Index: e.Index, Reason: "entry signature invalid"}
		}

		expectedPrev = e.EntryHash
	}
	return nil
}

// Entries returns a copy of the chain.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the hash of the newest entry, or all-zero for an empty log.
func (l *Log) Head() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return [32]byte{}
	}
	return l.entries[len(l.entries)-1].EntryHash
}

func appendLengthPrefixed(buf, field []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}
