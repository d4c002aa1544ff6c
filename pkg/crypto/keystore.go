package crypto

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// FileKeyStore holds Ed25519 seeds on disk, encrypted at rest. It stands in
// for hardware-backed custody in deployments without an HSM: the key files
// never contain plaintext seed material, and loaded signers go through the
// same key-consistency check as any other Signer.
//
// File layout per key: salt (16 bytes) || XChaCha20-Poly1305 nonce (24 bytes)
// || sealed seed. The sealing key is derived from the passphrase with
// Argon2id.
type FileKeyStore struct {
	keyDir     string
	passphrase []byte
	mu         sync.Mutex
	signers    map[string]*Ed25519Signer
}

const (
	keyFileSaltSize = 16
	keyFileMode     = 0600
	keyDirMode      = 0700
)

// NewFileKeyStore opens (creating if needed) a key directory.
func NewFileKeyStore(keyDir string, passphrase []byte) (*FileKeyStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	if err := os.MkdirAll(keyDir, keyDirMode); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	pass := make([]byte, len(passphrase))
	copy(pass, passphrase)
	return &FileKeyStore{
		keyDir:     keyDir,
		passphrase: pass,
		signers:    make(map[string]*Ed25519Signer),
	}, nil
}

// Signer returns the signer for a key label, generating and persisting a new
// keypair on first use. Loaded signers are cached per store instance.
func (ks *FileKeyStore) Signer(label string) (*Ed25519Signer, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if s, ok := ks.signers[label]; ok {
		return s, nil
	}

	path := filepath.Join(ks.keyDir, label+".key")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		signer, err := ks.generate(label, path)
		if err != nil {
			return nil, err
		}
		ks.signers[label] = signer
		return signer, nil
	}

	signer, err := ks.load(label, path)
	if err != nil {
		return nil, err
	}
	ks.signers[label] = signer
	return signer, nil
}

func (ks *FileKeyStore) generate(label, path string) (*Ed25519Signer, error) {
	signer, err := NewEd25519Signer(label)
	if err != nil {
		return nil, err
	}

	sealed, err := ks.seal(signer.Seed())
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, sealed, keyFileMode); err != nil {
		return nil, fmt.Errorf("failed to save key %q: %w", label, err)
	}
	return signer, nil
}

func (ks *FileKeyStore) load(label, path string) (*Ed25519Signer, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", label, err)
	}
	seed, err := ks.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key %q: %w", label, err)
	}
	return NewEd25519SignerFromSeed(seed, label)
}

func (ks *FileKeyStore) seal(seed []byte) ([]byte, error) {
	salt := make([]byte, keyFileSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt generation failed: %w", err)
	}

	aead, err := chacha20poly1305.NewX(ks.derive(salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(seed)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, seed, nil), nil
}

func (ks *FileKeyStore) open(sealed []byte) ([]byte, error) {
	minLen := keyFileSaltSize + chacha20poly1305.NonceSizeX
	if len(sealed) <= minLen {
		return nil, fmt.Errorf("%w: key file truncated", ErrInvalidKey)
	}
	salt := sealed[:keyFileSaltSize]
	nonce := sealed[keyFileSaltSize:minLen]
	ciphertext := sealed[minLen:]

	aead, err := chacha20poly1305.NewX(ks.derive(salt))
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key file authentication failed", ErrInvalidKey)
	}
	return seed, nil
}

// derive stretches the passphrase into a 32-byte sealing key.
// Parameters follow the RFC 9106 low-memory recommendation.
func (ks *FileKeyStore) derive(salt []byte) []byte {
	return argon2.IDKey(ks.passphrase, salt, 3, 64*1024, 4, chacha20poly1305.KeySize)
}
