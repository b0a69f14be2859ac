package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/EmeraldPi/Dispatcharr/internal/auth"
	"github.com/EmeraldPi/Dispatcharr/internal/httputil"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (s *Server) handleSetupCheck(w http.ResponseWriter, r *http.Request) {
	count, err := s.users.Count()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to check setup state")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"needs_setup": count == 0})
}

// handleSetup creates the first admin account. Only works while the users
// table is empty.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 8 {
		httputil.WriteError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}

	count, err := s.users.Count()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to check existing users")
		return
	}
	if count > 0 {
		httputil.WriteError(w, http.StatusConflict, "setup already completed")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user := &models.User{
		ID:           uuid.New(),
		Username:     req.Username,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		IsActive:     true,
	}
	if err := s.users.Create(user); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	token, err := s.auth.GenerateToken(user)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	log.Printf("Setup complete, admin user %q created", user.Username)
	httputil.WriteJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.users.GetByUsername(strings.TrimSpace(req.Username))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil || !user.IsActive || !auth.CheckPassword(user.PasswordHash, req.Password) {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.GenerateToken(user)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}
