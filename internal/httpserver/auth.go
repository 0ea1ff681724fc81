package httpserver

import (
	"net/http"
	"time"

	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/ratelimit"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type appleLoginRequest struct {
	IdentityToken string `json:"identity_token" validate:"required"`
	Email         string `json:"email"`
	Name          string `json:"name"`
}

type authResponse struct {
	UserID    string `json:"user_id"`
	Token     string `json:"token"`
	Tier      string `json:"tier"`
	ExpiresAt string `json:"expires_at"`
	Created   bool   `json:"created,omitempty"`
}

func authResponseFrom(r identity.AuthResult) authResponse {
	return authResponse{
		UserID:    r.UserID,
		Token:     r.Token,
		Tier:      string(r.Tier),
		ExpiresAt: r.ExpiresAt.UTC().Format(time.RFC3339),
		Created:   r.Created,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.identity.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}
	Respond(w, http.StatusCreated, authResponseFrom(result))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.identity.Login(r.Context(), req.Email, req.Password, ratelimit.ClientIP(r))
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}
	Respond(w, http.StatusOK, authResponseFrom(result))
}

func (s *Server) handleAppleLogin(w http.ResponseWriter, r *http.Request) {
	var req appleLoginRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.identity.ExternalIdentityLogin(r.Context(), req.IdentityToken, req.Email, req.Name)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}
	Respond(w, http.StatusOK, authResponseFrom(result))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	result, err := s.identity.RefreshToken(r.Context(), raw)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}
	Respond(w, http.StatusOK, authResponseFrom(result))
}
