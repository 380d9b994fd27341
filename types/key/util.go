package key

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"

	"go4.org/mem"
	"golang.org/x/crypto/nacl/box"
)

// NaclBoxNonceLen is the length of the nonce that prefixes every sealed box.
const NaclBoxNonceLen = 24

// rand fills b with cryptographically strong random bytes. Panics if
// no random bytes are available.
func rand(b []byte) {
	if _, err := io.ReadFull(crand.Reader, b[:]); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}
}

// clamp25519 clamps b, which must be a 32-byte Curve25519 private
// key, to a safe value.
//
// The clamping effectively constrains the key to a number between
// 2^251 and 2^252-1, which is then multiplied by 8 (the cofactor of
// Curve25519). This produces a value that doesn't have any unsafe
// properties when doing operations like ScalarMult.
//
//   - NaCl box: yes, clamp at creation.
//   - WireGuard (userspace uapi or kernel): no, do not clamp.
//   - Noise protocols: no, do not clamp.
//
// (Taken from tailscale)
func clamp25519Private(b []byte) {
	b[0] &= 248
	b[31] = (b[31] & 127) | 64
}

// appendHexKey appends prefix and the hex encoding of key to dst.
func appendHexKey(dst []byte, prefix string, key []byte) []byte {
	dst = slices.Grow(dst, len(prefix)+hex.EncodedLen(len(key)))
	dst = append(dst, prefix...)
	return hex.AppendEncode(dst, key)
}

// parseHex decodes a key string of the form "<prefix><hex>" into out.
// The hex part must decode to exactly len(out) bytes.
func parseHex(out []byte, in, prefix mem.RO) error {
	if !mem.HasPrefix(in, prefix) {
		return fmt.Errorf("key hex string doesn't have expected type prefix %q", prefix.StringCopy())
	}
	in = in.SliceFrom(prefix.Len())

	if want := len(out) * 2; in.Len() != want {
		return fmt.Errorf("key hex has the wrong size, got %d want %d", in.Len(), want)
	}

	for i := range out {
		a, ok1 := fromHexChar(in.At(i*2 + 0))
		b, ok2 := fromHexChar(in.At(i*2 + 1))
		if !ok1 || !ok2 {
			return errors.New("invalid hex character in key")
		}
		out[i] = (a << 4) | b
	}

	return nil
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}

	return 0, false
}

// sealTo seals cleartext in a NaCl box from priv to pub.
//
// The returned ciphertext is a 24-byte nonce concatenated with the box value.
func sealTo(priv, pub NakedKey, cleartext []byte) []byte {
	var nonce [NaclBoxNonceLen]byte
	rand(nonce[:])
	return box.Seal(nonce[:], cleartext, &nonce, (*[Len]byte)(&pub), (*[Len]byte)(&priv))
}

// openFrom opens a box created by sealTo from pub to priv.
func openFrom(priv, pub NakedKey, ciphertext []byte) (cleartext []byte, ok bool) {
	if len(ciphertext) < NaclBoxNonceLen {
		return nil, false
	}
	nonce := (*[NaclBoxNonceLen]byte)(ciphertext)
	return box.Open(nil, ciphertext[NaclBoxNonceLen:], nonce, (*[Len]byte)(&pub), (*[Len]byte)(&priv))
}
