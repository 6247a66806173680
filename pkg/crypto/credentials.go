// Package crypto seals data source credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	// KeySize is the required raw key length in bytes.
	KeySize = 32
	// EnvelopeVersion prefixes every envelope produced by Encrypt.
	EnvelopeVersion = "v1"

	nonceSize = 12
	tagSize   = 16
	separator = ":"
)

var (
	// ErrInvalidKey is returned when the key is not base64 of exactly 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key: must be base64 of exactly 32 bytes")
	// ErrDecryptionFailed is the only decryption failure callers see.
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrMalformedEnvelope      = errors.New("malformed envelope")
	ErrInvalidComponentLength = errors.New("invalid nonce or tag length")
	ErrAuthenticationFailed   = errors.New("authentication tag mismatch")
)

// envelopeEncoding is unpadded base64url that rejects non-canonical trailing bits.
var envelopeEncoding = base64.RawURLEncoding.Strict()

// DecryptionError is returned for every decryption failure. Its message is
// identical regardless of cause; the cause is kept for logging and tests.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	return ErrDecryptionFailed.Error()
}

// Is makes errors.Is(err, ErrDecryptionFailed) hold without exposing the cause via Unwrap.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

// Credentials is the decrypted form of a data source's secret material.
type Credentials map[string]string

// CredentialVault encrypts and decrypts credential envelopes.
type CredentialVault struct {
	gcm    cipher.AEAD
	logger *zap.Logger
}

// NewCredentialVault creates a vault from a base64-encoded 32-byte key
// (e.g. from: openssl rand -base64 32). Any other input is rejected.
func NewCredentialVault(keyInput string, logger *zap.Logger) (*CredentialVault, error) {
	keyInput = strings.TrimSpace(keyInput)
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key, err := base64.StdEncoding.Strict().DecodeString(keyInput)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialVault{gcm: gcm, logger: logger.Named("vault")}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// "v1:<nonce>:<ciphertext>:<tag>".
func (v *CredentialVault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		EnvelopeVersion,
		envelopeEncoding.EncodeToString(nonce),
		envelopeEncoding.EncodeToString(ciphertext),
		envelopeEncoding.EncodeToString(tag),
	}, separator), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure is a
// *DecryptionError; the specific cause is logged, never the envelope.
func (v *CredentialVault) Decrypt(envelope string) ([]byte, error) {
	plaintext, cause := v.open(envelope)
	if cause != nil {
		v.logger.Warn("Credential decryption failed",
			zap.String("cause", causeName(cause)),
			zap.Int("envelope_length", len(envelope)))
		return nil, &DecryptionError{Cause: cause}
	}
	return plaintext, nil
}

func (v *CredentialVault) open(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, separator)
	if len(parts) != 4 || parts[0] != EnvelopeVersion {
		return nil, ErrMalformedEnvelope
	}

	decoded := make([][]byte, 3)
	for i, part := range parts[1:] {
		// The base64 decoder skips CR and LF, which would let a modified
		// envelope decode to the same bytes.
		if strings.ContainsAny(part, "\r\n") {
			return nil, ErrMalformedEnvelope
		}
		b, err := envelopeEncoding.DecodeString(part)
		if err != nil {
			return nil, ErrMalformedEnvelope
		}
		decoded[i] = b
	}
	nonce, ciphertext, tag := decoded[0], decoded[1], decoded[2]

	if len(nonce) != nonceSize || len(tag) != tagSize {
		return nil, ErrInvalidComponentLength
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptCredentials JSON-encodes creds and seals the result.
func (v *CredentialVault) EncryptCredentials(creds Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	return v.Encrypt(data)
}

// DecryptCredentials opens an envelope and decodes the credential map.
func (v *CredentialVault) DecryptCredentials(envelope string) (Credentials, error) {
	data, err := v.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		// Plaintext is not echoed back: the json error may quote it.
		return nil, errors.New("decrypted credentials are not a JSON object")
	}
	return creds, nil
}

func causeName(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrInvalidComponentLength):
		return "invalid_component_length"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	default:
		return "unknown"
	}
}
