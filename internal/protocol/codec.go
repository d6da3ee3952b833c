package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
)

// Errors surfaced by the codec and framing layers.
var (
	// ErrFraming covers every malformed-input failure: bad length prefix,
	// undecryptable ciphertext, corrupt compression, non-UTF8 plaintext,
	// unparseable envelopes. Sessions drop the offending frame and continue
	// (or close, during the unauthenticated phase).
	ErrFraming = errors.New("framing error")
)

// Cryptor turns envelope JSON into wire payload bytes and back. Both ends of
// a connection must be constructed with the same key.
type Cryptor interface {
	// Encrypt transforms plaintext into a wire payload.
	Encrypt(plaintext string) ([]byte, error)
	// Decrypt reverses Encrypt. All failures wrap ErrFraming.
	Decrypt(payload []byte) (string, error)
}

// NewCryptor selects the codec for the configured key. An empty key selects
// plaintext mode, which exists for compatibility and testing; callers are
// expected to log loudly when choosing it.
//
// Postcondition: Returns a non-nil Cryptor.
func NewCryptor(key string) Cryptor {
	if key == "" {
		return PlainCryptor{}
	}
	return NewAESCryptor(key)
}

// PlainCryptor is the explicit no-encryption codec: deflate + base64 only.
// It must never be selected implicitly outside of an empty configured key.
type PlainCryptor struct{}

// Encrypt compresses and base64-encodes the plaintext without encryption.
func (PlainCryptor) Encrypt(plaintext string) ([]byte, error) {
	compressed, err := deflateCompress([]byte(plaintext))
	if err != nil {
		return nil, err
	}
	return b64Encode(compressed), nil
}

// Decrypt reverses PlainCryptor.Encrypt.
func (PlainCryptor) Decrypt(payload []byte) (string, error) {
	compressed, err := b64Decode(payload)
	if err != nil {
		return "", err
	}
	plain, err := deflateDecompress(compressed)
	if err != nil {
		return "", err
	}
	return validUTF8(plain)
}

// AESCryptor implements the legacy ChatBridge construction: AES-128-CBC over
// deflate-compressed plaintext, PKCS#7 padded, base64 wrapped. The 16-byte
// key is SHA-256(passphrase) truncated, and the IV equals the key. The fixed
// IV is a known weakness kept for wire compatibility with existing
// deployments; changing it requires a protocol version bump, not a silent
// swap.
type AESCryptor struct {
	key   []byte
	block cipher.Block
}

// NewAESCryptor derives the AES key from the configured passphrase.
//
// Precondition: passphrase is non-empty.
func NewAESCryptor(passphrase string) *AESCryptor {
	sum := sha256.Sum256([]byte(passphrase))
	key := sum[:16]
	block, err := aes.NewCipher(key)
	if err != nil {
		// aes.NewCipher only fails on bad key sizes; 16 is always valid.
		panic(fmt.Sprintf("protocol: deriving AES cipher: %v", err))
	}
	return &AESCryptor{key: key, block: block}
}

// Encrypt runs the full outbound pipeline: deflate, pad, CBC-encrypt, base64.
//
// Postcondition: Decrypt(Encrypt(s)) == s for the same key.
func (c *AESCryptor) Encrypt(plaintext string) ([]byte, error) {
	compressed, err := deflateCompress([]byte(plaintext))
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(compressed, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.key).CryptBlocks(ciphertext, padded)

	return b64Encode(ciphertext), nil
}

// Decrypt runs the inbound pipeline. Every malformed-input path wraps
// ErrFraming so sessions can treat the frame as a no-op instead of dying.
func (c *AESCryptor) Decrypt(payload []byte) (string, error) {
	ciphertext, err := b64Decode(payload)
	if err != nil {
		return "", err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d not a block multiple", ErrFraming, len(ciphertext))
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.key).CryptBlocks(padded, ciphertext)

	compressed, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", err
	}
	plain, err := deflateDecompress(compressed)
	if err != nil {
		return "", err
	}
	return validUTF8(plain)
}

func deflateCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flushing deflate stream: %w", err)
	}
	return buf.Bytes(), nil
}

func deflateDecompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt deflate stream: %v", ErrFraming, err)
	}
	return out, nil
}

func b64Encode(data []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

func b64Decode(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrFraming, err)
	}
	return out[:n], nil
}

// pkcs7Pad appends 1..blockSize bytes, each equal to the pad length.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: padded data length %d invalid", ErrFraming, len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrFraming, padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrFraming)
		}
	}
	return data[:len(data)-padLen], nil
}

func validUTF8(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: decrypted payload is not valid UTF-8", ErrFraming)
	}
	return string(data), nil
}
