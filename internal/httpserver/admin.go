package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/theoclaw/openclaw-proxy/internal/identity"
)

type adminMintTokenRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier" validate:"required"`
}

type adminChangeTierRequest struct {
	Tier string `json:"tier" validate:"required"`
}

func (s *Server) handleAdminMintToken(w http.ResponseWriter, r *http.Request) {
	var req adminMintTokenRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	tier, ok := identity.NormalizeTier(req.Tier)
	if !ok {
		RespondError(w, http.StatusBadRequest, "malformed_input", "unknown tier")
		return
	}

	var userID *string
	if req.UserID != "" {
		userID = &req.UserID
	}

	result, err := s.identity.AdminMintToken(r.Context(), userID, tier)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}
	Respond(w, http.StatusCreated, authResponseFrom(result))
}

func (s *Server) handleAdminChangeTier(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req adminChangeTierRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	tier, ok := identity.NormalizeTier(req.Tier)
	if !ok {
		RespondError(w, http.StatusBadRequest, "malformed_input", "unknown tier")
		return
	}

	if err := s.identity.AdminChangeTier(r.Context(), userID, tier); err != nil {
		RespondAppError(w, s.logger, err)
		return
	}
	Respond(w, http.StatusOK, map[string]string{"user_id": userID, "tier": string(tier)})
}
