package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/technosupport/guardian/internal/auth"
	"github.com/technosupport/guardian/internal/config"
	"github.com/technosupport/guardian/internal/tokens"
)

type AuthHandler struct {
	Config *config.Store
	Tokens *tokens.Manager
}

func NewAuthHandler(cfg *config.Store, tm *tokens.Manager) *AuthHandler {
	return &AuthHandler{Config: cfg, Tokens: tm}
}

// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperatorID string `json:"operator_id"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	op, err := auth.Verify(h.Config.Current(), req.OperatorID, req.Password)
	if err != nil {
		log.Printf("Auth: failed login for %q from %s", req.OperatorID, r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	access, err := h.Tokens.GenerateAccessToken(op.ID, op.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	refresh, err := h.Tokens.GenerateRefreshToken(op.ID, op.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	claims, err := h.Tokens.ValidateToken(req.RefreshToken)
	if err != nil || claims.TokenType != tokens.Refresh {
		respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, err := h.Tokens.GenerateAccessToken(claims.OperatorID, claims.OperatorName)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"access_token": access})
}
