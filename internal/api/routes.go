package api

import (
	"net/http"

	"github.com/theLastOfCats/audiosync/internal/db"
)

type RouterConfig struct {
	MediaDir            string
	AdminEmails         []string
	DisableRegistration bool
	// Quiet drops the request logging middleware.
	Quiet bool
}

// NewRouter wires every endpoint of the sync server.
func NewRouter(database *db.DB, cfg RouterConfig) http.Handler {
	authHandler := &AuthHandler{DB: database, DisableRegistration: cfg.DisableRegistration}
	userHandler := &UserHandler{DB: database}
	syncHandler := &SyncHandler{DB: database}
	adminHandler := &AdminHandler{DB: database}
	mediaHandler := &MediaHandler{Dir: cfg.MediaDir}
	mw := &Middleware{DB: database, AdminEmails: cfg.AdminEmails}

	protected := func(h http.HandlerFunc) http.Handler {
		return mw.AuthMiddleware(h)
	}

	mux := http.NewServeMux()

	// Public Routes
	mux.HandleFunc("GET /{$}", Health)
	mux.HandleFunc("POST /auth", authHandler.Login)

	// Protected Routes
	mux.Handle("GET /me", protected(userHandler.GetMe))
	mux.Handle("GET /sync/library", protected(syncHandler.GetLibrary))
	mux.Handle("GET /sync/user", protected(syncHandler.GetUser))
	mux.Handle("POST /sync/playthroughs", protected(syncHandler.PostPlaythrough))
	mux.Handle("PUT /player-state", protected(syncHandler.PutPlayerState))
	mux.Handle("GET /media/{id}/audio", protected(mediaHandler.Audio))
	mux.Handle("GET /media/{id}/cover", protected(mediaHandler.Cover))

	// Admin Routes
	mux.Handle("POST /admin/library", mw.AuthMiddleware(mw.AdminMiddleware(http.HandlerFunc(adminHandler.PostLibrary))))

	if cfg.Quiet {
		return mux
	}
	return LoggingMiddleware(mux)
}
