package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Test key generated with: openssl rand -base64 32
const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM=" // "test-key-for-unit-tests-32-bytes"

func newTestVault(t *testing.T) *CredentialVault {
	t.Helper()
	v, err := NewCredentialVault(testKey, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return v
}

func TestNewCredentialVault(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid 32-byte base64 key", key: testKey},
		{name: "surrounding whitespace trimmed", key: "  " + testKey + "\n"},
		{name: "empty key", key: "", wantErr: true},
		{name: "passphrase", key: "my-simple-passphrase", wantErr: true},
		{name: "short key", key: base64.StdEncoding.EncodeToString([]byte("sixteen-byte-key")), wantErr: true},
		{name: "long key", key: base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 64))), wantErr: true},
		{name: "31 bytes", key: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 31)), wantErr: true},
		{name: "33 bytes", key: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 33)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewCredentialVault(tt.key, nil)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v == nil {
				t.Fatal("expected non-nil vault")
			}
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	inputs := [][]byte{
		{},
		[]byte("a"),
		[]byte("my-secret-password"),
		[]byte("p@$$w0rd!#%^&*()_+-=[]{}|;':\",./<>?"),
		[]byte("密码测试"),
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}

	for _, in := range inputs {
		envelope, err := v.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if !strings.HasPrefix(envelope, EnvelopeVersion+":") {
			t.Errorf("envelope %q missing version prefix", envelope)
		}
		if len(strings.Split(envelope, ":")) != 4 {
			t.Errorf("envelope %q should have 4 components", envelope)
		}

		out, err := v.Decrypt(envelope)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip mismatch: got %q, want %q", out, in)
		}
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	v := newTestVault(t)

	a, _ := v.Encrypt([]byte("same"))
	b, _ := v.Encrypt([]byte("same"))
	if a == b {
		t.Error("encrypting the same plaintext twice should produce different envelopes")
	}
	if strings.Split(a, ":")[1] == strings.Split(b, ":")[1] {
		t.Error("nonces should differ between calls")
	}
}

func TestDecrypt_EverySingleBitFlipFails(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte(`{"access_token":"tok-123"}`)

	envelope, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw := []byte(envelope)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), raw...)
			tampered[i] ^= 1 << bit

			out, err := v.Decrypt(string(tampered))
			if err == nil {
				t.Fatalf("flip byte %d bit %d: expected failure, got plaintext %q", i, bit, out)
			}
			if !errors.Is(err, ErrDecryptionFailed) {
				t.Fatalf("flip byte %d bit %d: expected ErrDecryptionFailed, got %v", i, bit, err)
			}
		}
	}
}

func TestDecrypt_FailureCauses(t *testing.T) {
	v := newTestVault(t)
	envelope, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	parts := strings.Split(envelope, ":")

	shortNonce := envelopeEncoding.EncodeToString(make([]byte, 8))
	shortTag := envelopeEncoding.EncodeToString(make([]byte, 12))
	otherTag := envelopeEncoding.EncodeToString(make([]byte, 16))

	tests := []struct {
		name      string
		envelope  string
		wantCause error
	}{
		{"empty", "", ErrMalformedEnvelope},
		{"too few components", strings.Join(parts[:3], ":"), ErrMalformedEnvelope},
		{"too many components", envelope + ":extra", ErrMalformedEnvelope},
		{"unknown version", "v2:" + strings.Join(parts[1:], ":"), ErrMalformedEnvelope},
		{"bad base64", strings.Join([]string{parts[0], "!!!", parts[2], parts[3]}, ":"), ErrMalformedEnvelope},
		{"padded base64", strings.Join([]string{parts[0], parts[1] + "=", parts[2], parts[3]}, ":"), ErrMalformedEnvelope},
		{"embedded newline", strings.Join([]string{parts[0], parts[1][:4] + "\n" + parts[1][4:], parts[2], parts[3]}, ":"), ErrMalformedEnvelope},
		{"short nonce", strings.Join([]string{parts[0], shortNonce, parts[2], parts[3]}, ":"), ErrInvalidComponentLength},
		{"short tag", strings.Join([]string{parts[0], parts[1], parts[2], shortTag}, ":"), ErrInvalidComponentLength},
		{"wrong tag", strings.Join([]string{parts[0], parts[1], parts[2], otherTag}, ":"), ErrAuthenticationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.envelope)

			var decErr *DecryptionError
			if !errors.As(err, &decErr) {
				t.Fatalf("expected *DecryptionError, got %T: %v", err, err)
			}
			if !errors.Is(decErr.Cause, tt.wantCause) {
				t.Errorf("cause = %v, want %v", decErr.Cause, tt.wantCause)
			}
			if err.Error() != ErrDecryptionFailed.Error() {
				t.Errorf("external message = %q, want %q", err.Error(), ErrDecryptionFailed.Error())
			}
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	v1 := newTestVault(t)
	otherKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, KeySize))
	v2, err := NewCredentialVault(otherKey, nil)
	if err != nil {
		t.Fatalf("failed to create second vault: %v", err)
	}

	envelope, _ := v1.Encrypt([]byte("secret"))
	_, err = v2.Decrypt(envelope)

	var decErr *DecryptionError
	if !errors.As(err, &decErr) || !errors.Is(decErr.Cause, ErrAuthenticationFailed) {
		t.Errorf("expected authentication failure, got %v", err)
	}
}

func TestDecrypt_LogsCauseNotSecret(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	v, err := NewCredentialVault(testKey, zap.New(core))
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	envelope, _ := v.Encrypt([]byte("super-secret-value"))
	parts := strings.Split(envelope, ":")
	parts[3] = envelopeEncoding.EncodeToString(make([]byte, 16))
	_, _ = v.Decrypt(strings.Join(parts, ":"))
	_, _ = v.Decrypt("garbage")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["cause"]; got != "authentication_failed" {
		t.Errorf("first cause = %v, want authentication_failed", got)
	}
	if got := entries[1].ContextMap()["cause"]; got != "malformed_envelope" {
		t.Errorf("second cause = %v, want malformed_envelope", got)
	}
	for _, e := range entries {
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok && strings.Contains(s, "super-secret-value") {
				t.Error("plaintext leaked into log")
			}
		}
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	v := newTestVault(t)
	creds := Credentials{"user": "report_reader", "password": "hunter2"}

	envelope, err := v.EncryptCredentials(creds)
	if err != nil {
		t.Fatalf("EncryptCredentials failed: %v", err)
	}
	if strings.Contains(envelope, "hunter2") {
		t.Error("envelope contains plaintext password")
	}

	got, err := v.DecryptCredentials(envelope)
	if err != nil {
		t.Fatalf("DecryptCredentials failed: %v", err)
	}
	if got["user"] != "report_reader" || got["password"] != "hunter2" {
		t.Errorf("unexpected credentials: %v", got)
	}
}

func TestDecryptCredentials_NotJSON(t *testing.T) {
	v := newTestVault(t)
	envelope, _ := v.Encrypt([]byte("plain-text-secret"))

	_, err := v.DecryptCredentials(envelope)
	if err == nil {
		t.Fatal("expected error for non-JSON plaintext")
	}
	if strings.Contains(err.Error(), "plain-text-secret") {
		t.Error("error message leaked plaintext")
	}
}
