// Package credcrypto encrypts demand-partner secrets before they are persisted in
// the configuration store. The at-rest representation is three hex segments joined
// by ':' (IV, GCM auth tag, ciphertext) produced with AES-256-GCM.
package credcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/admediary/bidgate/errortypes"
)

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
	separator = ":"
)

// Codec seals and opens partner secrets with a fixed 32-byte key.
// It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a Codec from a raw 32-byte key. The key is supplied out-of-band
// through configuration, never stored alongside the ciphertext.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// NewCodecFromHex builds a Codec from a 64-character hex key string.
func NewCodecFromHex(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credential key is not valid hex: %w", err)
	}
	return NewCodec(key)
}

// Encrypt seals plaintext and returns the canonical hex(iv):hex(tag):hex(ct) form.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	// Seal appends the tag to the ciphertext; the wire format keeps them separate.
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + separator + hex.EncodeToString(tag) + separator + hex.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt. It fails closed: any structural
// mismatch or tag verification failure returns a DecryptionFailure.
func (c *Codec) Decrypt(encrypted string) (string, error) {
	parts := strings.Split(encrypted, separator)
	if len(parts) != 3 {
		return "", &errortypes.DecryptionFailure{Message: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", &errortypes.DecryptionFailure{Message: "iv segment is not valid hex"}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &errortypes.DecryptionFailure{Message: "tag segment is not valid hex"}
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &errortypes.DecryptionFailure{Message: "ciphertext segment is not valid hex"}
	}

	if len(iv) != ivSize {
		return "", &errortypes.DecryptionFailure{Message: fmt.Sprintf("iv must be %d bytes, got %d", ivSize, len(iv))}
	}
	if len(tag) != tagSize {
		return "", &errortypes.DecryptionFailure{Message: fmt.Sprintf("auth tag must be %d bytes, got %d", tagSize, len(tag))}
	}

	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", &errortypes.DecryptionFailure{Message: "authentication failed"}
	}

	return string(plain), nil
}

// SafeDecrypt is the tolerant read-path variant. Legacy rows may hold plaintext
// secrets; those are returned unchanged. A value that looks like ciphertext but
// fails to decrypt is returned as-is (still encrypted) rather than failing the
// bidding path; the failure is logged so the corrupt row can be repaired.
func (c *Codec) SafeDecrypt(value string) string {
	if !looksEncrypted(value) {
		return value
	}

	plain, err := c.Decrypt(value)
	if err != nil {
		glog.Warningf("credcrypto: safe decrypt failed, returning raw value: %v", err)
		return value
	}
	return plain
}

func looksEncrypted(value string) bool {
	parts := strings.Split(value, separator)
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}
