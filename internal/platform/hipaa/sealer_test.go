package hipaa

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestRotatingEncryptor_RoundTrip(t *testing.T) {
	re, err := NewRotatingEncryptor(generateTestKey(t), 1)
	if err != nil {
		t.Fatalf("create rotating encryptor: %v", err)
	}

	plaintext := `{"diagnosis":"J45.909","note":"asthma follow-up"}`
	ciphertext, err := re.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ciphertext, "v1:") {
		t.Errorf("expected v1: prefix, got %q", ciphertext)
	}
	if strings.Contains(ciphertext, "asthma") {
		t.Error("ciphertext leaks plaintext")
	}

	decrypted, err := re.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("roundtrip failed: got %q, want %q", decrypted, plaintext)
	}
}

func TestRotatingEncryptor_NonceIsRandom(t *testing.T) {
	re, _ := NewRotatingEncryptor(generateTestKey(t), 1)
	a, _ := re.Encrypt("same")
	b, _ := re.Encrypt("same")
	if a == b {
		t.Error("expected distinct ciphertexts for the same plaintext")
	}
}

func TestRotatingEncryptor_DecryptWithPreviousKey(t *testing.T) {
	oldKey := generateTestKey(t)
	oldEnc, _ := NewRotatingEncryptor(oldKey, 1)
	sealed, err := oldEnc.Encrypt("sealed under v1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	newEnc, _ := NewRotatingEncryptor(generateTestKey(t), 2)
	if _, err := newEnc.Decrypt(sealed); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("expected ErrUnknownKeyVersion before the old key is added, got %v", err)
	}
	if err := newEnc.AddPreviousKey(oldKey, 1); err != nil {
		t.Fatalf("add previous key: %v", err)
	}

	got, err := newEnc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt with previous key: %v", err)
	}
	if got != "sealed under v1" {
		t.Errorf("got %q", got)
	}
	if !newEnc.NeedsReEncryption(sealed) {
		t.Error("expected v1 ciphertext to need re-encryption")
	}
	fresh, _ := newEnc.Encrypt("x")
	if newEnc.NeedsReEncryption(fresh) {
		t.Error("expected current ciphertext to be up to date")
	}
}

func TestRotatingEncryptor_AddPreviousKey_CurrentVersion(t *testing.T) {
	re, _ := NewRotatingEncryptor(generateTestKey(t), 3)
	if err := re.AddPreviousKey(generateTestKey(t), 3); err == nil {
		t.Error("expected error when re-registering the current version")
	}
}

func TestRotatingEncryptor_TamperedCiphertext(t *testing.T) {
	re, _ := NewRotatingEncryptor(generateTestKey(t), 1)
	sealed, _ := re.Encrypt("payload")

	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	if _, err := re.Decrypt(tampered); err == nil {
		t.Error("expected authentication failure for tampered ciphertext")
	}
	if _, err := re.Decrypt("no-prefix"); err == nil {
		t.Error("expected error for unversioned ciphertext")
	}
}

func TestNewRotatingEncryptor_BadKeyLength(t *testing.T) {
	if _, err := NewRotatingEncryptor([]byte("short"), 1); err == nil {
		t.Error("expected error for short key")
	}
}

func TestEncryptorFromConfig(t *testing.T) {
	k1 := hex.EncodeToString(generateTestKey(t))
	k2 := hex.EncodeToString(generateTestKey(t))

	t.Run("disabled", func(t *testing.T) {
		enc, err := EncryptorFromConfig("", nil)
		if err != nil || enc != nil {
			t.Fatalf("expected nil encryptor, got %v, %v", enc, err)
		}
	})

	t.Run("previous without current", func(t *testing.T) {
		if _, err := EncryptorFromConfig("", []string{"v1:" + k1}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("default version", func(t *testing.T) {
		enc, err := EncryptorFromConfig(k1, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v := enc.(*RotatingEncryptor).CurrentVersion(); v != 1 {
			t.Errorf("expected version 1, got %d", v)
		}
	})

	t.Run("rotation", func(t *testing.T) {
		old, _ := EncryptorFromConfig(k1, nil)
		sealed, _ := old.Encrypt("rotated")

		enc, err := EncryptorFromConfig("v2:"+k2, []string{"v1:" + k1, " "})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err := enc.Decrypt(sealed)
		if err != nil || got != "rotated" {
			t.Fatalf("decrypt via previous key: %q, %v", got, err)
		}
		fresh, _ := enc.Encrypt("x")
		if !strings.HasPrefix(fresh, "v2:") {
			t.Errorf("expected v2 prefix, got %q", fresh)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		cases := [][2]string{
			{"zz", ""},
			{"abcd", ""},
			{"x2:" + k1, ""},
			{k1, k2},
		}
		for _, c := range cases {
			var prev []string
			if c[1] != "" {
				prev = []string{c[1]}
			}
			if _, err := EncryptorFromConfig(c[0], prev); err == nil {
				t.Errorf("expected error for current=%q previous=%q", c[0], c[1])
			}
		}
	})
}
