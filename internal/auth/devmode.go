package auth

import (
	"context"

	"github.com/meawoppl/claude-code-portal/internal/store"
)

// DevUserID and DevUserEmail are the fixed identity every connection binds
// to when dev_mode is enabled. dev_mode exists so the coordination engine
// can run end to end without a real identity provider wired up.
const (
	DevUserID    = "00000000-0000-0000-0000-000000000001"
	DevUserEmail = "dev@localhost"
)

func devClaims() *Claims {
	return &Claims{UserID: DevUserID, Email: DevUserEmail}
}

// ResolveProxyToken validates a proxy's Register-frame auth_token. In
// dev_mode every proxy is bound to the fixed dev user regardless of what
// (if anything) it sent. Outside dev_mode, a token is first tried as a
// signed JWT; if that fails it's hashed and looked up against the
// proxy_auth_tokens table, so tokens minted by POST /api/tokens actually
// authenticate a Register frame.
func ResolveProxyToken(ctx context.Context, token string, manager *JWTManager, devMode bool, st *store.Store, hasher *TokenHasher) (*Claims, error) {
	if devMode {
		return devClaims(), nil
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	if claims, err := manager.VerifyToken(token); err == nil {
		return claims, nil
	}
	if st == nil || hasher == nil {
		return nil, ErrInvalidToken
	}

	rec, err := st.FindProxyAuthTokenByHash(ctx, hasher.HashTokenSHA256(token))
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := st.GetUser(ctx, rec.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Claims{UserID: user.ID, Email: user.Email}, nil
}
