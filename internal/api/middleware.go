package api

import (
	"context"
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/theLastOfCats/audiosync/internal/auth"
	"github.com/theLastOfCats/audiosync/internal/db"
)

type contextKey string

const UserIDKey contextKey = "userID"

type Middleware struct {
	DB *db.DB
	// AdminEmails may call the /admin routes. Empty allows any user.
	AdminEmails []string
}

func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			JSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			JSONError(w, "Invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			JSONError(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		// A valid token can outlive its user when the DB is wiped.
		exists, err := m.DB.UserExists(r.Context(), claims.UserID)
		if err != nil {
			log.Printf("AuthMiddleware: DB error checking user %d: %v", claims.UserID, err)
			JSONError(w, "Database error", http.StatusInternalServerError)
			return
		}
		if !exists {
			log.Printf("AuthMiddleware: User %d not found in DB", claims.UserID)
			JSONError(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware must run inside AuthMiddleware.
func (m *Middleware) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.AdminEmails) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		userID, ok := GetUserID(r)
		if !ok {
			JSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		user, err := m.DB.GetUserByID(r.Context(), userID)
		if err != nil {
			log.Printf("AdminMiddleware: failed to load user %d: %v", userID, err)
			JSONError(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !slices.Contains(m.AdminEmails, strings.ToLower(user.Email)) {
			JSONError(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetUserID(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(UserIDKey).(int64)
	return userID, ok
}
