package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testManifestJSON(t *testing.T, componentHash [32]byte) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`{
		"name": "aegis-runtime",
		"version": "1.0.0",
		"components": [
			{"name": "policy-engine", "version": "1.4.2", "sha256": %q},
			{"name": "signer-backend", "version": "0.9.0", "sha256": %q}
		]
	}`, hex.EncodeToString(componentHash[:]), hex.EncodeToString(componentHash[:])))
}

func TestParseAndVerify(t *testing.T) {
	artifact := []byte("policy engine build artifact")
	hash := sha256.Sum256(artifact)

	m, err := Parse(testManifestJSON(t, hash))
	require.NoError(t, err)
	require.Equal(t, "aegis-runtime", m.Name)
	require.Len(t, m.Components, 2)

	require.NoError(t, m.VerifyComponent("policy-engine", hash))
}

func TestHashMismatchHalts(t *testing.T) {
	hash := sha256.Sum256([]byte("good build"))
	m, err := Parse(testManifestJSON(t, hash))
	require.NoError(t, err)

	tampered := sha256.Sum256([]byte("tampered build"))
	err = m.VerifyComponent("policy-engine", tampered)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "policy-engine", mismatch.Component)
}

func TestUnknownComponent(t *testing.T) {
	hash := sha256.Sum256([]byte("build"))
	m, err := Parse(testManifestJSON(t, hash))
	require.NoError(t, err)

	err = m.VerifyComponent("nonexistent", hash)
	require.ErrorIs(t, err, ErrUnknownComponent)
}

func TestSchemaRejectsMalformedManifest(t *testing.T) {
	cases := map[string]string{
		"missing components": `{"name": "x", "version": "1.0.0"}`,
		"short hash":         `{"name": "x", "version": "1.0.0", "components": [{"name": "a", "version": "1.0.0", "sha256": "abcd"}]}`,
		"uppercase hash":     fmt.Sprintf(`{"name": "x", "version": "1.0.0", "components": [{"name": "a", "version": "1.0.0", "sha256": %q}]}`, "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"),
		"empty name":         `{"name": "", "version": "1.0.0", "components": []}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestInvalidSemverRejected(t *testing.T) {
	raw := `{"name": "x", "version": "1.0.0", "components": [
		{"name": "a", "version": "not-a-version", "sha256": "` + hex.EncodeToString(make([]byte, 32)) + `"}
	]}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
}

func TestCheckConstraint(t *testing.T) {
	hash := sha256.Sum256([]byte("build"))
	m, err := Parse(testManifestJSON(t, hash))
	require.NoError(t, err)

	ok, err := m.CheckConstraint("policy-engine", ">= 1.2.0, < 2.0.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.CheckConstraint("signer-backend", ">= 1.0.0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	hash := sha256.Sum256([]byte("build"))
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, testManifestJSON(t, hash), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, m.VerifyComponent("signer-backend", hash))
}
