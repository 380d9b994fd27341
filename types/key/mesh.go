package key

import (
	"crypto/subtle"
	"strings"

	"go4.org/mem"
)

const meshKeyHexPrefix = "meshkey:"

// MeshKey is a shared secret that relay servers present to each other to prove
// they belong to the same mesh.
//
// It is only ever sent inside a sealed box, and is never used to encrypt anything.
type MeshKey NakedKey

// NewMesh generates a random mesh key.
func NewMesh() MeshKey {
	var ret MeshKey
	rand(ret[:])
	return ret
}

// ParseMeshKey parses a mesh key from either its "meshkey:"-prefixed text form,
// or a bare 64-character hex string.
func ParseMeshKey(s string) (MeshKey, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, meshKeyHexPrefix) {
		s = meshKeyHexPrefix + s
	}

	var ret MeshKey
	err := ret.UnmarshalText([]byte(s))
	return ret, err
}

func (m MeshKey) IsZero() bool {
	return m == MeshKey{}
}

// Equal reports whether m and other are the same key, in constant time.
func (m MeshKey) Equal(other MeshKey) bool {
	return subtle.ConstantTimeCompare(m[:], other[:]) == 1
}

func (m MeshKey) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, meshKeyHexPrefix, m[:]), nil
}

func (m MeshKey) MarshalText() ([]byte, error) {
	return m.AppendText(nil)
}

func (m *MeshKey) UnmarshalText(b []byte) error {
	return parseHex(m[:], mem.B(b), mem.S(meshKeyHexPrefix))
}
