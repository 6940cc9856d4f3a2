package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenHasher generates and verifies the two credential shapes this portal
// stores at rest: ProxyAuthToken rows (sha256, fast lookup by hash) and user
// passwords for the local login fallback (bcrypt, slow by design).
type TokenHasher struct {
	bcryptCost int
}

func NewTokenHasher() *TokenHasher {
	return &TokenHasher{bcryptCost: bcrypt.DefaultCost}
}

// GenerateProxyAuthToken returns a random plaintext proxy auth token and its
// sha256 hex digest. Only the digest is ever persisted; the plaintext is
// shown to the user once, at issuance.
func (t *TokenHasher) GenerateProxyAuthToken() (plainToken string, hashedToken string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate proxy auth token: %w", err)
	}
	plainToken = base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	hashedToken = t.HashTokenSHA256(plainToken)
	return plainToken, hashedToken, nil
}

func (t *TokenHasher) HashTokenSHA256(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (t *TokenHasher) VerifyTokenSHA256(plainToken, hashedToken string) bool {
	return t.HashTokenSHA256(plainToken) == hashedToken
}

func (t *TokenHasher) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), t.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func (t *TokenHasher) VerifyPassword(password, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
