package fieldcrypt

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testKey(7))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	for _, plain := range []string{"O+", "", "Jane Doe, 1980-01-01", "ünïcødé"} {
		f, err := c.Encrypt([]byte(plain))
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if len(f.Nonce) != 12 || len(f.Tag) != 16 {
			t.Fatalf("unexpected nonce/tag sizes: %d/%d", len(f.Nonce), len(f.Tag))
		}
		got, err := c.Decrypt(f)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(got) != plain {
			t.Fatalf("round trip mismatch: %q != %q", got, plain)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := newTestCipher(t)
	a, err := c.Encrypt([]byte("O+"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("O+"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatalf("expected distinct nonces")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) && bytes.Equal(a.Tag, b.Tag) {
		t.Fatalf("expected distinct ciphertexts for equal plaintexts")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c := newTestCipher(t)
	f, err := c.Encrypt([]byte("O+"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	flip := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0x01
		return out
	}
	cases := map[string]EncryptedField{
		"ciphertext": {Ciphertext: flip(f.Ciphertext), Nonce: f.Nonce, Tag: f.Tag},
		"nonce":      {Ciphertext: f.Ciphertext, Nonce: flip(f.Nonce), Tag: f.Tag},
		"tag":        {Ciphertext: f.Ciphertext, Nonce: f.Nonce, Tag: flip(f.Tag)},
		"short tag":  {Ciphertext: f.Ciphertext, Nonce: f.Nonce, Tag: f.Tag[:8]},
	}
	for name, tampered := range cases {
		if _, err := c.Decrypt(tampered); !errors.Is(err, ErrDecryption) {
			t.Fatalf("%s: expected ErrDecryption, got %v", name, err)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	c := newTestCipher(t)
	f, err := c.Encrypt([]byte("O+"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	other, err := NewCipher(testKey(9))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	if _, err := other.Decrypt(f); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestNewCipherRejectsBadKey(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		if _, err := NewCipher(make([]byte, n)); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key of %d bytes: expected ErrInvalidKey, got %v", n, err)
		}
	}
}

func TestEncodedFieldRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	encoded, err := c.EncryptString("A-")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	plain, err := c.DecryptString(encoded)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if plain != "A-" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if _, err := c.DecryptString("v2.bad"); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for malformed input, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	key := testKey(3)
	inputs := []string{
		base64.StdEncoding.EncodeToString(key),
		base64.RawURLEncoding.EncodeToString(key),
		hex.EncodeToString(key),
	}
	for _, in := range inputs {
		got, err := ParseKey(in)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", in, err)
		}
		if !bytes.Equal(got, key) {
			t.Fatalf("ParseKey(%q) returned wrong key", in)
		}
	}
	if _, err := ParseKey(""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty key")
	}
	if _, err := ParseKey(base64.StdEncoding.EncodeToString(key[:16])); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for short key")
	}
}

func TestHashAndVerify(t *testing.T) {
	res, err := Hash([]byte("123-45-6789"), nil)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if len(res.Salt) != SaltSize {
		t.Fatalf("expected generated salt of %d bytes, got %d", SaltSize, len(res.Salt))
	}
	if !VerifyHash([]byte("123-45-6789"), res.Hash, res.Salt) {
		t.Fatalf("expected verification to succeed")
	}
	if VerifyHash([]byte("123-45-6780"), res.Hash, res.Salt) {
		t.Fatalf("expected verification to fail for different data")
	}

	again, err := Hash([]byte("123-45-6789"), res.Salt)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !bytes.Equal(again.Hash, res.Hash) {
		t.Fatalf("expected same digest for same salt")
	}
	if VerifyHash([]byte("x"), nil, res.Salt) {
		t.Fatalf("expected empty hash to fail")
	}
}

func TestMaskForDisplay(t *testing.T) {
	cases := []struct {
		in   string
		kind MaskKind
		want string
	}{
		{"jane.doe@example.com", MaskEmail, "j*******@example.com"},
		{"Jane Doe", MaskName, "J*** D**"},
		{"+1 (555) 123-4567", MaskPhone, "***-***-4567"},
		{"MD-99812345", MaskLicense, "*******2345"},
		{"abc", MaskLicense, "***"},
		{"secret", MaskFull, "********"},
		{"", MaskEmail, ""},
	}
	for _, tc := range cases {
		if got := MaskForDisplay(tc.in, tc.kind); got != tc.want {
			t.Fatalf("MaskForDisplay(%q, %s)=%q, want %q", tc.in, tc.kind, got, tc.want)
		}
	}
}
