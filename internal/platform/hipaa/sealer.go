package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FieldEncryptor seals individual values at rest. Repositories accept a nil
// FieldEncryptor to mean plaintext storage.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ErrUnknownKeyVersion is returned when a sealed value names a key version the
// encryptor was not given.
var ErrUnknownKeyVersion = errors.New("no key for version")

// aesKey is a single AES-256-GCM key.
type aesKey struct {
	aead cipher.AEAD
}

func newAESKey(key []byte) (*aesKey, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &aesKey{aead: aead}, nil
}

// seal returns base64(nonce || ciphertext).
func (k *aesKey) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

func (k *aesKey) open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	n := k.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := k.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return plaintext, nil
}

// RotatingEncryptor seals with the current key and prefixes the output with
// "v<version>:" so values sealed under a retired key can still be opened.
type RotatingEncryptor struct {
	current    *aesKey
	currentVer int
	previous   map[int]*aesKey
}

// NewRotatingEncryptor creates an encryptor whose current key is key.
func NewRotatingEncryptor(key []byte, version int) (*RotatingEncryptor, error) {
	k, err := newAESKey(key)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    k,
		currentVer: version,
		previous:   make(map[int]*aesKey),
	}, nil
}

// AddPreviousKey registers a retired key for decryption only. It must be
// called before the encryptor is shared.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	if version == r.currentVer {
		return fmt.Errorf("rotating encryptor: version %d is the current key", version)
	}
	k, err := newAESKey(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.previous[version] = k
	return nil
}

func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	sealed, err := r.current.seal([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("phi encrypt: %w", err)
	}
	return "v" + strconv.Itoa(r.currentVer) + ":" + sealed, nil
}

func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	version, body, err := parseVersioned(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	k := r.current
	if version != r.currentVer {
		var ok bool
		if k, ok = r.previous[version]; !ok {
			return "", fmt.Errorf("phi decrypt: %w %d", ErrUnknownKeyVersion, version)
		}
	}
	plaintext, err := k.open(body)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plaintext), nil
}

// NeedsReEncryption reports whether ciphertext was sealed under a retired key.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	version, _, err := parseVersioned(ciphertext)
	return err != nil || version != r.currentVer
}

// CurrentVersion returns the current key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	return r.currentVer
}

func parseVersioned(s string) (int, string, error) {
	head, body, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(head, "v") {
		return 0, "", fmt.Errorf("missing key version prefix")
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil {
		return 0, "", fmt.Errorf("invalid key version %q", head)
	}
	return version, body, nil
}

// EncryptorFromConfig builds the payload encryptor from HIPAA_ENCRYPTION_KEY
// and HIPAA_PREVIOUS_KEYS. An empty current key returns (nil, nil), meaning
// payloads are stored unsealed.
//
// The current key is 64 hex characters, optionally prefixed "v<N>:" to set its
// version (default 1). Previous keys use the same form and must carry a version.
func EncryptorFromConfig(current string, previous []string) (FieldEncryptor, error) {
	if current == "" {
		if len(previous) > 0 {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS set without HIPAA_ENCRYPTION_KEY")
		}
		return nil, nil
	}

	version, key, err := parseKeySpec(current, 1)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
	}
	enc, err := NewRotatingEncryptor(key, version)
	if err != nil {
		return nil, err
	}
	for _, spec := range previous {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		v, k, err := parseKeySpec(spec, 0)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: %w", err)
		}
		if v == 0 {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: key must carry a v<N>: prefix")
		}
		if err := enc.AddPreviousKey(k, v); err != nil {
			return nil, err
		}
	}
	return enc, nil
}

func parseKeySpec(spec string, defaultVersion int) (int, []byte, error) {
	version := defaultVersion
	hexKey := spec
	if head, body, ok := strings.Cut(spec, ":"); ok {
		v, err := strconv.Atoi(strings.TrimPrefix(head, "v"))
		if err != nil || !strings.HasPrefix(head, "v") {
			return 0, nil, fmt.Errorf("invalid version prefix %q", head)
		}
		version, hexKey = v, body
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return 0, nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return 0, nil, fmt.Errorf("key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return version, key, nil
}
