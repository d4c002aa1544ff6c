package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
)

func newTestLog(t *testing.T) (*Log, crypto.Signer) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("audit-test")
	require.NoError(t, err)
	return NewLog(signer), signer
}

func issueTestProof(t *testing.T, signer crypto.Signer, target string) *proof.Proof {
	t.Helper()
	action := proof.Write(target, nil)
	p, err := proof.Issue(action, [32]byte{0xAA}, 300, true, "", signer)
	require.NoError(t, err)
	return p
}

func appendN(t *testing.T, l *Log, signer crypto.Signer, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		p := issueTestProof(t, signer, fmt.Sprintf("/data/file-%d", i))
		_, err := l.Append(ctx, fmt.Sprintf("write /data/file-%d", i), p)
		require.NoError(t, err)
	}
}

func TestAppendChainsEntries(t *testing.T) {
	l, signer := newTestLog(t)
	appendN(t, l, signer, 3)

	entries := l.Entries()
	require.Len(t, entries, 3)

	var zero [32]byte
	require.Equal(t, zero, entries[0].PrevHash, "genesis entry must chain from all-zero hash")
	require.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	require.Equal(t, entries[1].EntryHash, entries[2].PrevHash)
	require.Equal(t, entries[2].EntryHash, l.Head())

	require.NoError(t, l.VerifyChain())
}

func TestVerifyEmptyChain(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, l.VerifyChain())
	require.Equal(t, [32]byte{}, l.Head())
}

// Flipping a single byte in any stored field of any entry must fail
// verification and cite the index of the tampered entry.
func TestSingleByteFlipDetected(t *testing.T) {
	const entryCount = 4

	tamper := []struct {
		name  string
		apply func(e *Entry)
	}{
		{"description", func(e *Entry) {
			b := []byte(e.ActionDescription)
			b[0] ^= 0x01
			e.ActionDescription = string(b)
		}},
		{"timestamp", func(e *Entry) { e.Timestamp ^= 1 }},
		{"prev_hash", func(e *Entry) { e.PrevHash[5] ^= 0x01 }},
		{"entry_hash", func(e *Entry) { e.EntryHash[5] ^= 0x01 }},
		{"signature", func(e *Entry) { e.Signature[5] ^= 0x01 }},
		{"proof_nonce", func(e *Entry) { e.Proof.Nonce[0] ^= 0x01 }},
	}

	for _, tc := range tamper {
		for idx := 0; idx < entryCount; idx++ {
			t.Run(fmt.Sprintf("%s/entry_%d", tc.name, idx), func(t *testing.T) {
				l, signer := newTestLog(t)
				appendN(t, l, signer, entryCount)

				tc.apply(&l.entries[idx])

				err := l.VerifyChain()
				require.Error(t, err)
				var broken *BrokenChainError
				require.ErrorAs(t, err, &broken)
				require.Equal(t, uint64(idx), broken.Index)
			})
		}
	}
}

func TestDeletionDetected(t *testing.T) {
	l, signer := newTestLog(t)
	appendN(t, l, signer, 4)

	// Drop entry 1. Entry 2 now sits at position 1 with a stale index.
	l.entries = append(l.entries[:1], l.entries[2:]...)

	err := l.VerifyChain()
	var broken *BrokenChainError
	require.ErrorAs(t, err, &broken)
	require.Equal(t, uint64(1), broken.Index)
}

func TestReorderDetected(t *testing.T) {
	l, signer := newTestLog(t)
	appendN(t, l, signer, 3)

	l.entries[1], l.entries[2] = l.entries[2], l.entries[1]

	err := l.VerifyChain()
	var broken *BrokenChainError
	require.ErrorAs(t, err, &broken)
	require.Equal(t, uint64(1), broken.Index)
}

func TestForeignSignatureRejected(t *testing.T) {
	l, signer := newTestLog(t)
	appendN(t, l, signer, 2)

	other, err := crypto.NewEd25519Signer("intruder")
	require.NoError(t, err)
	sig, err := other.Sign(l.entries[1].EntryHash[:])
	require.NoError(t, err)
	l.entries[1].Signature = sig

	verifyErr := l.VerifyChain()
	var broken *BrokenChainError
	require.ErrorAs(t, verifyErr, &broken)
	require.Equal(t, uint64(1), broken.Index)
}

func TestSQLiteStorePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	signer, err := crypto.NewEd25519Signer("audit-persist")
	require.NoError(t, err)

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)

	l, err := NewLogWithStore(ctx, signer, store)
	require.NoError(t, err)
	appendN(t, l, signer, 3)
	require.NoError(t, store.Close())

	// Reopen from disk and verify the reloaded chain end to end.
	reopened, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored, err := NewLogWithStore(ctx, signer, reopened)
	require.NoError(t, err)
	require.Equal(t, 3, restored.Len())
	require.Equal(t, l.Head(), restored.Head())
	require.NoError(t, restored.VerifyChain())

	p := issueTestProof(t, signer, "/data/after-restart")
	_, err = restored.Append(ctx, "write /data/after-restart", p)
	require.NoError(t, err)
	require.Equal(t, 4, restored.Len())
}

func TestTamperedStoreRejectedOnLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	signer, err := crypto.NewEd25519Signer("audit-tamper")
	require.NoError(t, err)

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	l, err := NewLogWithStore(ctx, signer, store)
	require.NoError(t, err)
	appendN(t, l, signer, 2)

	_, err = store.db.Exec(`UPDATE audit_entries SET description = 'rewritten history' WHERE idx = 0`)
	require.NoError(t, err)

	_, err = NewLogWithStore(ctx, signer, store)
	var broken *BrokenChainError
	require.ErrorAs(t, err, &broken)
	require.Equal(t, uint64(0), broken.Index)
	require.NoError(t, store.Close())
}

func TestDuplicateIndexRejectedByStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	signer, err := crypto.NewEd25519Signer("audit-dup")
	require.NoError(t, err)
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	l, err := NewLogWithStore(ctx, signer, store)
	require.NoError(t, err)
	appendN(t, l, signer, 1)

	dup := l.entries[0]
	require.Error(t, store.Append(ctx, &dup))
}

func TestExportCanonicalJSON(t *testing.T) {
	l, signer := newTestLog(t)
	appendN(t, l, signer, 2)

	first, err := l.Export()
	require.NoError(t, err)
	second, err := l.Export()
	require.NoError(t, err)
	require.True(t, bytes.Equal(first, second), "export must be deterministic")

	var decoded exportChain
	require.NoError(t, json.Unmarshal(first, &decoded))
	require.Len(t, decoded.Entries, 2)
	require.Equal(t, "write /data/file-0", decoded.Entries[0].ActionDescription)
	require.Len(t, decoded.Head, 64)
}

func TestInjectedClockStampsEntries(t *testing.T) {
	l, signer := newTestLog(t)
	fixed := time.Unix(1_700_000_000, 0)
	l.WithClock(func() time.Time { return fixed })

	appendN(t, l, signer, 1)
	require.Equal(t, uint64(1_700_000_000), l.Entries()[0].Timestamp)
}
