// Package codec encrypts and decrypts document blobs as streams.
//
// Blobs are AES-256-CBC with PKCS#7 padding and a random 16-byte IV per
// document. The key is derived once from the operator secret with scrypt
// (N=16384, r=8, p=1, salt "salt"), which keeps blobs written by earlier
// deployments readable.
//
// CBC provides confidentiality only. A wrong IV corrupts the first block of
// plaintext and nothing else; a flipped ciphertext bit corrupts two blocks.
// Neither is reported unless the damage reaches the padding in the final
// block.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize

	chunkSize = 32 * 1024
)

var keySalt = []byte("salt")

var (
	ErrMissingSecret     = errors.New("encryption secret is not set")
	ErrInvalidIV         = errors.New("invalid initialization vector")
	ErrCorruptCiphertext = errors.New("ciphertext is corrupt or was encrypted under a different key")
)

// DeriveKey turns the operator secret into an AES-256 key.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	key, err := scrypt.Key([]byte(secret), keySalt, 16384, 8, 1, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Fingerprint returns a short, non-reversible identifier for a key so
// operators can compare deployments without printing the key itself.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// Codec is safe for concurrent use; it holds only the immutable cipher block.
type Codec struct {
	block cipher.Block
}

// New creates a Codec from a 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Codec{block: block}, nil
}

// NewFromSecret derives the key from secret and creates a Codec.
func NewFromSecret(secret string) (*Codec, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Encrypt returns a reader yielding the ciphertext of src and the fresh IV
// it was encrypted with.
func (c *Codec) Encrypt(src io.Reader) (io.Reader, []byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("crypto/rand failure: %w", err)
	}
	return &encryptReader{
		src:   src,
		mode:  cipher.NewCBCEncrypter(c.block, iv),
		chunk: make([]byte, chunkSize),
	}, iv, nil
}

// Decrypt returns a reader yielding the plaintext of src. The IV must be the
// one returned by Encrypt for this blob.
func (c *Codec) Decrypt(src io.Reader, iv []byte) (io.Reader, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidIV, IVSize, len(iv))
	}
	return &decryptReader{
		src:   src,
		mode:  cipher.NewCBCDecrypter(c.block, iv),
		chunk: make([]byte, chunkSize),
	}, nil
}

// EncodeIV hex-encodes an IV for storage.
func EncodeIV(iv []byte) string {
	return hex.EncodeToString(iv)
}

// ParseIV decodes a stored hex IV.
func ParseIV(s string) ([]byte, error) {
	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIV, err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidIV, IVSize, len(iv))
	}
	return iv, nil
}

type encryptReader struct {
	src     io.Reader
	mode    cipher.BlockMode
	chunk   []byte
	pending []byte // plaintext shorter than one block carried to the next fill
	out     []byte
	done    bool
	err     error
}

func (r *encryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *encryptReader) fill() error {
	n, err := io.ReadFull(r.src, r.chunk)
	r.pending = append(r.pending, r.chunk[:n]...)

	if err == io.EOF || err == io.ErrUnexpectedEOF {
		padded := pad(r.pending, aes.BlockSize)
		r.mode.CryptBlocks(padded, padded)
		r.out = padded
		r.pending = nil
		r.done = true
		return nil
	}
	if err != nil {
		return err
	}

	full := len(r.pending) - len(r.pending)%aes.BlockSize
	out := make([]byte, full)
	r.mode.CryptBlocks(out, r.pending[:full])
	r.pending = append(r.pending[:0], r.pending[full:]...)
	r.out = out
	return nil
}

type decryptReader struct {
	src     io.Reader
	mode    cipher.BlockMode
	chunk   []byte
	pending []byte // ciphertext held back; always includes the last block seen
	out     []byte
	done    bool
	err     error
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *decryptReader) fill() error {
	n, err := io.ReadFull(r.src, r.chunk)
	r.pending = append(r.pending, r.chunk[:n]...)

	if err == io.EOF || err == io.ErrUnexpectedEOF {
		r.done = true
		if len(r.pending) == 0 || len(r.pending)%aes.BlockSize != 0 {
			return fmt.Errorf("%w: length %d is not a positive multiple of the block size", ErrCorruptCiphertext, len(r.pending))
		}
		out := make([]byte, len(r.pending))
		r.mode.CryptBlocks(out, r.pending)
		plain, err := unpad(out, aes.BlockSize)
		if err != nil {
			return err
		}
		r.out = plain
		r.pending = nil
		return nil
	}
	if err != nil {
		return err
	}

	// The final block carries the padding, so it is only decrypted at EOF.
	full := len(r.pending) - len(r.pending)%aes.BlockSize
	if full == len(r.pending) {
		full -= aes.BlockSize
	}
	if full <= 0 {
		return nil
	}
	out := make([]byte, full)
	r.mode.CryptBlocks(out, r.pending[:full])
	r.pending = append(r.pending[:0], r.pending[full:]...)
	r.out = out
	return nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrCorruptCiphertext)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCorruptCiphertext)
		}
	}
	return b[:len(b)-n], nil
}
