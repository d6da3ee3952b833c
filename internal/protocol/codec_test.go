package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAESRoundTrip(t *testing.T) {
	c := NewAESCryptor("ThisIsTheSecret")

	for _, s := range []string{
		"",
		"hello",
		`{"action":"message","client":"survival","player":"Steve","message":"hi"}`,
		"中文消息 with mixed содержание",
	} {
		payload, err := c.Encrypt(s)
		require.NoError(t, err)
		got, err := c.Decrypt(payload)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestPropertyRoundTripAnyUTF8(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringN(1, 64, -1).Draw(t, "key")
		s := rapid.StringN(0, 10000, -1).Draw(t, "plaintext")

		c := NewCryptor(key)
		payload, err := c.Encrypt(s)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := c.Decrypt(payload)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if got != s {
			t.Fatalf("round trip mismatch: %q != %q", got, s)
		}
	})
}

func TestWrongKeyIsFramingErrorNotPanic(t *testing.T) {
	sender := NewAESCryptor("correct-horse")
	receiver := NewAESCryptor("battery-staple")

	payload, err := sender.Encrypt("secret text")
	require.NoError(t, err)

	_, err = receiver.Decrypt(payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFraming), "wrong-key decrypt must surface as ErrFraming, got %v", err)
}

func TestDecryptGarbage(t *testing.T) {
	c := NewAESCryptor("key")

	for name, payload := range map[string][]byte{
		"not base64":       []byte("!!!! not base64 !!!!"),
		"empty":            {},
		"short ciphertext": []byte("QUJD"), // "ABC", not a block multiple
		"zero block":       b64Encode(make([]byte, 16)),
		"truncated blocks": b64Encode(make([]byte, 24)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFraming))
		})
	}
}

func TestEmptyKeySelectsPlaintextMode(t *testing.T) {
	c := NewCryptor("")
	_, ok := c.(PlainCryptor)
	require.True(t, ok, "empty key must select the explicit plaintext codec")

	payload, err := c.Encrypt("visible on the wire")
	require.NoError(t, err)
	got, err := c.Decrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, "visible on the wire", got)
}

func TestCryptorsAreIncompatible(t *testing.T) {
	// A plaintext peer must not accidentally understand an encrypted one.
	plain := PlainCryptor{}
	enc := NewAESCryptor("key")

	payload, err := enc.Encrypt("hello")
	require.NoError(t, err)
	_, err = plain.Decrypt(payload)
	assert.Error(t, err)
}

func TestPKCS7(t *testing.T) {
	for n := 0; n <= 33; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		require.Zero(t, len(padded)%16)
		require.Greater(t, len(padded), len(data), "padding must always add at least one byte")

		got, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	_, err := pkcs7Unpad([]byte{1, 2, 3}, 16)
	assert.Error(t, err)
}
