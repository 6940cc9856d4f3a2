package wsserver

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meawoppl/claude-code-portal/internal/auth"
)

// handleListSessions backs GET /api/sessions: sessions the authenticated
// user owns or is a member of.
func (s *Server) handleListSessions(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	sessions, err := s.store.ListSessionsForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	id := c.Param("id")

	sess, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	if sess.OwnerUserID != userID {
		role, err := s.store.MemberRole(c.Request.Context(), id, userID)
		if err != nil || role == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this session"})
			return
		}
	}
	c.JSON(http.StatusOK, sess)
}

type createTokenRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleCreateToken backs POST /api/tokens: issues a new ProxyAuthToken
// and returns the plaintext exactly once. It is never recoverable after
// this response.
func (s *Server) handleCreateToken(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	plain, hashed, err := s.tokenHasher.GenerateProxyAuthToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	tok, err := s.store.CreateProxyAuthToken(c.Request.Context(), userID, req.Name, hashed, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":    tok.ID,
		"name":  tok.Name,
		"token": plain,
	})
}

func (s *Server) handleListTokens(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	tokens, err := s.store.ListProxyAuthTokens(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	id := c.Param("id")

	if err := s.store.RevokeProxyAuthToken(c.Request.Context(), userID, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.Status(http.StatusNoContent)
}
