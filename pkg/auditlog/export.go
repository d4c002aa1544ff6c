package auditlog

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// exportEntry is the external JSON shape of one chain entry. Hashes are hex,
// binary fields base64.
type exportEntry struct {
	Index             uint64 `json:"index"`
	Timestamp         uint64 `json:"timestamp"`
	ActionDescription string `json:"action_description"`
	Proof             string `json:"proof"`
	PrevHash          string `json:"prev_hash"`
	EntryHash         string `json:"entry_hash"`
	Signature         string `json:"signature"`
}

type exportChain struct {
	Entries []exportEntry `json:"entries"`
	Head    string        `json:"head"`
}

// Export renders the chain as RFC 8785 canonical JSON so two exports of the
// same chain are byte-identical and may themselves be hashed or signed.
func (l *Log) Export() ([]byte, error) {
	entries := l.Entries()

	out := exportChain{Entries: make([]exportEntry, 0, len(entries))}
	for i := range entries {
		e := &entries[i]
		proofBytes, err := e.Proof.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode proof for entry %d: %w", e.Index, err)
		}
		out.Entries = append(out.Entries, exportEntry{
			Index:             e.Index,
			Timestamp:         e.Timestamp,
			ActionDescription: e.ActionDescription,
			Proof:             base64.StdEncoding.EncodeToString(proofBytes),
			PrevHash:          hex.EncodeToString(e.PrevHash[:]),
			EntryHash:         hex.EncodeToString(e.EntryHash[:]),
			Signature:         base64.StdEncoding.EncodeToString(e.Signature),
		})
	}
	head := l.Head()
	out.Head = hex.EncodeToString(head[:])

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal audit export: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit export: %w", err)
	}
	return canonical, nil
}
