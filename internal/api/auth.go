package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/theLastOfCats/audiosync/internal/auth"
	"github.com/theLastOfCats/audiosync/internal/db"
)

type AuthHandler struct {
	DB *db.DB
	// DisableRegistration turns off creating accounts on first login.
	DisableRegistration bool
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// Login issues a token, registering the account when the email is unknown.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		JSONError(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.DB.GetUserByEmail(r.Context(), req.Email)
	if errors.Is(err, db.ErrNotFound) {
		if h.DisableRegistration {
			JSONError(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		h.register(w, r, req)
		return
	} else if err != nil {
		log.Printf("Login: DB error for %s: %v", req.Email, err)
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}

	match, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		log.Printf("Login: failed to verify password for user %d: %v", user.ID, err)
		JSONError(w, "Error verifying password", http.StatusInternalServerError)
		return
	}
	if !match {
		JSONError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	writeToken(w, user.ID)
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request, req LoginRequest) {
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		JSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	userID, err := h.DB.CreateUser(r.Context(), req.Email, hash, time.Now().UnixMilli())
	if err != nil {
		log.Printf("Login: failed to register %s: %v", req.Email, err)
		JSONError(w, "Failed to register user", http.StatusInternalServerError)
		return
	}
	log.Printf("Login: registered user %d", userID)
	writeToken(w, userID)
}

func writeToken(w http.ResponseWriter, userID int64) {
	token, err := auth.GenerateToken(userID)
	if err != nil {
		JSONError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}
