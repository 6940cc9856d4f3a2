package auth

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ViewerCookieName is the HttpOnly, SameSite=Lax cookie set after a viewer
// logs in and read back on the /ws/client upgrade.
const ViewerCookieName = "portal_session"

// SetViewerCookie stores the bearer JWT directly as the cookie value and
// sets it HttpOnly with SameSite=Lax, secure when the request arrived
// over TLS.
func SetViewerCookie(c *gin.Context, token string, maxAgeSeconds int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ViewerCookieName, token, maxAgeSeconds, "/", "", c.Request.TLS != nil, true)
}

func ClearViewerCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ViewerCookieName, "", -1, "/", "", c.Request.TLS != nil, true)
}

// ResolveViewer validates the signed session cookie from an HTTP upgrade
// request and extracts the viewer's claims. In dev_mode, verification is
// skipped and every viewer is bound to the fixed dev user.
func ResolveViewer(r *http.Request, manager *JWTManager, devMode bool) (*Claims, error) {
	if devMode {
		return devClaims(), nil
	}
	cookie, err := r.Cookie(ViewerCookieName)
	if err != nil {
		return nil, fmt.Errorf("%w: no session cookie", ErrInvalidToken)
	}
	return manager.VerifyToken(cookie.Value)
}
