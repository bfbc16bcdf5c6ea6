// Package decrypt implements the AES-128-CBC (PKCS#7) segment decryption
// primitive used by the HLS path, offloaded to a worker pool so it never
// runs on the orchestration goroutine.
package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"os"
)

// DeriveIV produces the 16-byte IV used when the manifest supplies none: a
// big-endian encoding of the segment's sequence number, per the HLS spec's
// implicit-IV convention.
func DeriveIV(segmentIndex int) [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[8:], uint64(segmentIndex))
	return iv
}

// DecryptFile decrypts path in place using AES-128-CBC with PKCS#7
// unpadding. key must be 16 bytes. If iv is nil, the segment-index-derived
// IV is used. Returns an error (rather than a bool) so the runner can wrap
// it as DecryptionFailed with detail.
func DecryptFile(path string, key []byte, iv []byte, segmentIndex int) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("decrypt: invalid key: %w", err)
	}

	var ivBytes [aes.BlockSize]byte
	if len(iv) == aes.BlockSize {
		copy(ivBytes[:], iv)
	} else {
		ivBytes = DeriveIV(segmentIndex)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("decrypt: read %s: %w", path, err)
	}
	if len(ciphertext) == 0 {
		return fmt.Errorf("decrypt: empty segment %s", path)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return fmt.Errorf("decrypt: %s is not a multiple of the AES block size", path)
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, ivBytes[:])
	mode.CryptBlocks(plaintext, ciphertext)

	plaintext, err = unpadPKCS7(plaintext)
	if err != nil {
		return fmt.Errorf("decrypt: %s: %w", path, err)
	}

	if err := os.WriteFile(path, plaintext, 0o644); err != nil {
		return fmt.Errorf("decrypt: write %s: %w", path, err)
	}
	return nil
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7: empty input")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7: invalid padding")
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("pkcs7: invalid padding bytes")
	}
	return data[:len(data)-padLen], nil
}

// Pool offloads DecryptFile calls to a bounded goroutine pool so the
// orchestration loop calling it never blocks on CPU-bound work.
type Pool struct {
	sem chan struct{}
}

// NewPool builds a Pool allowing up to concurrency simultaneous decryptions.
func NewPool(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{sem: make(chan struct{}, concurrency)}
}

// Submit runs DecryptFile on a pool goroutine and returns its error over
// the returned channel once complete.
func (p *Pool) Submit(path string, key, iv []byte, segmentIndex int) <-chan error {
	done := make(chan error, 1)
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		done <- DecryptFile(path, key, iv, segmentIndex)
	}()
	return done
}
