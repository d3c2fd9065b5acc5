package silent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/goliatone/go-auth-cache/core"
)

const (
	pkceMethodS256     = "S256"
	pkceVerifierLength = 32
)

// S256Generator creates PKCE codes with a random 256-bit verifier.
type S256Generator struct{}

func (S256Generator) Generate(context.Context) (core.PKCECodes, error) {
	buf := make([]byte, pkceVerifierLength)
	if _, err := rand.Read(buf); err != nil {
		return core.PKCECodes{}, core.WrapError(err, core.KindConfiguration, core.CodeMissingPKCE, "silent: pkce verifier could not be generated", nil)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return core.PKCECodes{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    pkceMethodS256,
	}, nil
}

// S256Challenge is base64url(sha256(verifier)).
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

var _ core.PKCEGenerator = S256Generator{}
