package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"os"
	"path/filepath"
	"testing"
)

func encryptForTest(t *testing.T, plaintext []byte, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(padLen)
	}
	return append(append([]byte{}, data...), pad...)
}

func TestDecryptFileWithExplicitIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plaintext := []byte("segment payload bytes, not block aligned")

	ciphertext := encryptForTest(t, plaintext, key, iv)

	dir := t.TempDir()
	path := filepath.Join(dir, "segment_0.ts")
	if err := os.WriteFile(path, ciphertext, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := DecryptFile(path, key, iv, 0); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptFileWithDerivedIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	segmentIndex := 7
	derived := DeriveIV(segmentIndex)

	plaintext := []byte("another segment")
	ciphertext := encryptForTest(t, plaintext, key, derived[:])

	dir := t.TempDir()
	path := filepath.Join(dir, "segment_7.ts")
	os.WriteFile(path, ciphertext, 0o644)

	if err := DecryptFile(path, key, nil, segmentIndex); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != string(plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptFileRejectsBadBlockSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment_0.ts")
	os.WriteFile(path, []byte("not 16 byte aligned"), 0o644)

	if err := DecryptFile(path, []byte("0123456789abcdef"), nil, 0); err == nil {
		t.Fatal("expected error for misaligned ciphertext")
	}
}

func TestPoolSubmit(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plaintext := []byte("pool test payload")
	ciphertext := encryptForTest(t, plaintext, key, iv)

	dir := t.TempDir()
	path := filepath.Join(dir, "segment_0.ts")
	os.WriteFile(path, ciphertext, 0o644)

	pool := NewPool(2)
	err := <-pool.Submit(path, key, iv, 0)
	if err != nil {
		t.Fatalf("pool decrypt: %v", err)
	}
}
