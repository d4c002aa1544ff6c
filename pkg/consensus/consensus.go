// Package consensus reconciles signed scalar readings from multiple sources
// into a single agreed value. It is outlier-robust statistical reconciliation,
// not Byzantine agreement: a minority of wrong or missing sources is
// tolerated, a compromised majority is not defended against.
package consensus

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aegis-kernel/aegis/pkg/crypto"
)

const readingEncodingVersion byte = 1

// NoConsensusError reports why agreement failed so the caller can decide
// whether to collect more readings.
type NoConsensusError struct {
	Valid    int
	Agreeing int
	Required int
	Reason   string
}

func (e *NoConsensusError) Error() string {
	return fmt.Sprintf("no consensus: %s (%d valid, %d agreeing, %d required)",
		e.Reason, e.Valid, e.Agreeing, e.Required)
}

// Reading is one signed observation from a registered source.
type Reading struct {
	Value     float64
	Timestamp uint64 // epoch seconds
	SourceID  string
	Signature []byte
}

// SigningBytes serializes the fields the signature covers. The float is
// committed as its IEEE 754 bit pattern so the encoding is exact.
func (r *Reading) SigningBytes() []byte {
	buf := make([]byte, 0, 1+8+8+4+len(r.SourceID))
	buf = append(buf, readingEncodingVersion)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Value))
	buf = binary.LittleEndian.AppendUint64(buf, r.Timestamp)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(r.SourceID)))
	buf = append(buf, l[:]...)
	return append(buf, r.SourceID...)
}

// NewSignedReading builds and signs a reading stamped with the current time.
func NewSignedReading(value float64, sourceID string, signer crypto.Signer, now time.Time) (*Reading, error) {
	r := &Reading{Value: value, Timestamp: uint64(now.Unix()), SourceID: sourceID}
	sig, err := signer.Sign(r.SigningBytes())
	if err != nil {
		return nil, err
	}
	r.Signature = sig
	return r, nil
}

// Engine verifies readings against registered source keys and reconciles
// them by median with a deviation tolerance.
type Engine struct {
	mu        sync.RWMutex
	sources   map[string][]byte // source ID to Ed25519 public key
	tolerance float64
}

// NewEngine creates an engine that accepts readings deviating from the
// median by at most tolerance.
func NewEngine(tolerance float64) *Engine {
	return &Engine{sources: make(map[string][]byte), tolerance: tolerance}
}

// RegisterSource records the public key a source's readings must verify
// against. Re-registering replaces the key.
func (e *Engine) RegisterSource(sourceID string, publicKey []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[sourceID] = publicKey
}

// verify reports whether the reading carries a valid signature from a
// registered source.
func (e *Engine) verify(r *Reading) bool {
	e.mu.RLock()
	key, ok := e.sources[r.SourceID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	valid, err := crypto.VerifyWithKey(key, r.SigningBytes(), r.Signature)
	return err == nil && valid
}

// ReachConsensus verifies every reading, discards unverifiable ones, and
// requires at least requiredSources valid readings. It then computes the
// median, drops readings deviating from it by more than the tolerance, and
// requires the agreeing fraction of valid readings to meet threshold.
// The result is the median itself; the agreeing set only gates acceptance.
func (e *Engine) ReachConsensus(readings []Reading, threshold float64, requiredSources int) (float64, error) {
	valid := make([]float64, 0, len(readings))
	for i := range readings {
		if e.verify(&readings[i]) {
			valid = append(valid, readings[i].Value)
		}
	}

	if len(valid) < requiredSources {
		return 0, &NoConsensusError{
			Valid:    len(valid),
			Required: requiredSources,
			Reason:   "too few valid readings",
		}
	}

	med := median(valid)

	agreeing := 0
	for _, v := range valid {
		if math.Abs(v-med) <= e.tolerance {
			agreeing++
		}
	}

	fraction := float64(agreeing) / float64(len(valid))
	if fraction < threshold {
		return 0, &NoConsensusError{
			Valid:    len(valid),
			Agreeing: agreeing,
			Required: requiredSources,
			Reason:   fmt.Sprintf("agreeing fraction %.2f below threshold %.2f", fraction, threshold),
		}
	}

	return med, nil
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
