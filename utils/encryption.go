package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned for values that cannot hold an IV.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encrypt seals provider secrets with AES-CFB under key. The random IV is
// prepended and the result is URL-safe base64. Empty input stays empty.
func Encrypt(key, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	sealed := make([]byte, aes.BlockSize+len(plaintext))
	iv := sealed[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("encrypt: read iv: %w", err)
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(sealed[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(sealed), nil
}

func Decrypt(key, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	sealed, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	if len(sealed) < aes.BlockSize {
		return "", ErrCiphertextTooShort
	}

	iv, body := sealed[:aes.BlockSize], sealed[aes.BlockSize:]
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(body, body)
	return string(body), nil
}
