package crypto_test

import (
	"bytes"
	"testing"

	"github.com/mcarata/blueprints/common/crypto"
)

func makeKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	key := makeKey(t)
	plaintext := []byte("super-secret-api-key-value-123")

	ciphertext, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext should not equal plaintext")
	}

	recovered, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("recovered %q, want %q", recovered, plaintext)
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	key := makeKey(t)
	plaintext := []byte("same plaintext")

	c1, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("first Encrypt: %v", err)
	}
	c2, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("second Encrypt: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key := makeKey(t)
	ciphertext, err := crypto.Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	other := make([]byte, crypto.KeySize)
	if _, err := crypto.Decrypt(other, ciphertext); err == nil {
		t.Fatal("expected authentication failure with wrong key")
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	key := makeKey(t)
	if _, err := crypto.Decrypt(key, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}

func TestParseMasterKey(t *testing.T) {
	if _, err := crypto.ParseMasterKey(""); err == nil {
		t.Error("empty key should error")
	}
	if _, err := crypto.ParseMasterKey("zz"); err == nil {
		t.Error("non-hex key should error")
	}
	if _, err := crypto.ParseMasterKey("deadbeef"); err == nil {
		t.Error("short key should error")
	}
	key, err := crypto.ParseMasterKey("000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length %d, want %d", len(key), crypto.KeySize)
	}
}
