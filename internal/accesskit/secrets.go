package accesskit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

const signingSecretByteLength = 64

var signingSecretRandomSource io.Reader = rand.Reader

// GenerateSigningSecret produces a hex-encoded random secret strong enough to
// serve as an HS256 signing key. Secrets are per shop and per session; they
// are never derived from shop data.
func GenerateSigningSecret() (string, error) {
	buffer := make([]byte, signingSecretByteLength)
	if _, err := io.ReadFull(signingSecretRandomSource, buffer); err != nil {
		return "", fmt.Errorf("secret.generate: %w", err)
	}
	return hex.EncodeToString(buffer), nil
}
