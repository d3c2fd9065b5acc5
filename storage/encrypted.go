package storage

import (
	"context"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/security"
)

// Encrypted seals values before they reach the base backend. Each value is
// bound to its storage key so a sealed value copied to another key does not
// open. Reads return the raw envelope; the cache manager opens it through
// DecryptData.
type Encrypted struct {
	base    core.Storage
	secrets core.SecretProvider
}

func NewEncrypted(base core.Storage, secrets core.SecretProvider) (*Encrypted, error) {
	if base == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "storage: encrypted base storage is required")
	}
	if secrets == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "storage: secret provider is required")
	}
	return &Encrypted{base: base, secrets: secrets}, nil
}

// NewEncryptedWithKey seals values with AES-256-GCM under keyMaterial.
func NewEncryptedWithKey(base core.Storage, keyMaterial []byte, opts ...security.Option) (*Encrypted, error) {
	provider, err := security.NewAppKeySecretProvider(keyMaterial, opts...)
	if err != nil {
		return nil, err
	}
	return NewEncrypted(base, provider)
}

func (e *Encrypted) GetItem(ctx context.Context, key string) (string, bool, error) {
	return e.base.GetItem(ctx, key)
}

func (e *Encrypted) SetItem(ctx context.Context, key string, value string) error {
	if value == "" {
		return e.base.SetItem(ctx, key, value)
	}
	sealed, err := e.secrets.Encrypt(ctx, []byte(value), []byte(key))
	if err != nil {
		return core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "storage: encrypt value", map[string]any{"cache_key": key})
	}
	return e.base.SetItem(ctx, key, string(sealed))
}

func (e *Encrypted) RemoveItem(ctx context.Context, key string) error {
	return e.base.RemoveItem(ctx, key)
}

func (e *Encrypted) Keys(ctx context.Context) ([]string, error) {
	return e.base.Keys(ctx)
}

// DecryptData opens a sealed value. Values written before encryption was
// enabled carry no envelope and are returned unchanged.
func (e *Encrypted) DecryptData(ctx context.Context, key string, raw string) (string, bool, error) {
	if !security.HasEnvelope([]byte(raw)) {
		return raw, true, nil
	}
	plaintext, err := e.secrets.Decrypt(ctx, []byte(raw), []byte(key))
	if err != nil {
		return "", false, core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "storage: decrypt value", map[string]any{"cache_key": key})
	}
	return string(plaintext), true, nil
}

var (
	_ core.Storage   = (*Encrypted)(nil)
	_ core.Decrypter = (*Encrypted)(nil)
)
