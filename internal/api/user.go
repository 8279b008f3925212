package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/theLastOfCats/audiosync/internal/db"
)

func Health(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "Alive")
}

type UserHandler struct {
	DB *db.DB
}

type UserResponse struct {
	ID       int64   `json:"id"`
	Email    string  `json:"email"`
	Nickname *string `json:"nickname"`
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r)
	if !ok {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := h.DB.GetUserByID(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		JSONError(w, "User not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Printf("GetMe: DB error for user %d: %v", userID, err)
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, UserResponse{ID: user.ID, Email: user.Email, Nickname: user.Nickname})
}
