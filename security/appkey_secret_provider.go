// Package security seals cache values at rest with an application key.
package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-auth-cache/core"
)

type Option func(*AppKeySecretProvider)

type appKey struct {
	id      string
	version int
	key     []byte
}

func (k appKey) matches(keyID string, version int) bool {
	if keyID != "" && keyID != k.id {
		return false
	}
	return version <= 0 || version == k.version
}

// AppKeySecretProvider encrypts with AES-GCM under the current key and can
// still open envelopes sealed by retired keys registered with
// WithDecryptKey.
type AppKeySecretProvider struct {
	current appKey
	retired []appKey
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			provider.current.id = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.current.version = version
		}
	}
}

// WithDecryptKey registers a retired key that is only used to open existing
// envelopes.
func WithDecryptKey(id string, version int, keyMaterial []byte) Option {
	return func(provider *AppKeySecretProvider) {
		material := bytes.TrimSpace(keyMaterial)
		if len(material) == 0 {
			return
		}
		provider.retired = append(provider.retired, appKey{
			id:      strings.TrimSpace(id),
			version: version,
			key:     normalizeKey(material),
		})
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "security: key material is required")
	}
	provider := &AppKeySecretProvider{
		current: appKey{
			id:      "app-key",
			version: 1,
			key:     normalizeKey(key),
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte, associatedData []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	gcm, err := newGCM(p.current.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, associatedData)
	return encodeEnvelope(envelope{
		KeyID:      p.current.id,
		Version:    p.current.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte, associatedData []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	key, ok := p.resolve(parsed.KeyID, parsed.Version)
	if !ok {
		return nil, fmt.Errorf("security: no key for id %q version %d", parsed.KeyID, parsed.Version)
	}

	nonce, err := decodePayload("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodePayload("ciphertext", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key.key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) resolve(keyID string, version int) (appKey, bool) {
	if p.current.matches(keyID, version) {
		return p.current, true
	}
	for _, candidate := range p.retired {
		if candidate.matches(keyID, version) {
			return candidate, true
		}
	}
	return appKey{}, false
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.current.id
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.current.version
}

func (p *AppKeySecretProvider) Metadata() (string, int) {
	return p.KeyID(), p.Version()
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

// normalizeKey always yields a 32 byte key so the cipher is AES-256.
func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
