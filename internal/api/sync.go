package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/theLastOfCats/audiosync/internal/db"
	"github.com/theLastOfCats/audiosync/internal/model"
)

type SyncHandler struct {
	DB *db.DB
	// Now defaults to the wall clock in unix milliseconds.
	Now func() int64
}

func (h *SyncHandler) now() int64 {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UnixMilli()
}

// parseSince reads the optional since cursor. A missing value means a full pull.
func parseSince(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &since, nil
}

func (h *SyncHandler) GetLibrary(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		JSONError(w, "Invalid since parameter", http.StatusBadRequest)
		return
	}

	changes, err := h.DB.LibraryChangesSince(r.Context(), since, h.now())
	if err != nil {
		log.Printf("Error fetching library changes: %v", err)
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *SyncHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r)
	if !ok {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	since, err := parseSince(r)
	if err != nil {
		JSONError(w, "Invalid since parameter", http.StatusBadRequest)
		return
	}

	changes, err := h.DB.UserChangesSince(r.Context(), userID, since, h.now())
	if err != nil {
		log.Printf("Error fetching user changes for %d: %v", userID, err)
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *SyncHandler) PostPlaythrough(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r)
	if !ok {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var batch model.PlaythroughBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.DB.PushPlaythrough(r.Context(), userID, batch, h.now())
	switch {
	case errors.Is(err, db.ErrInvalidBatch):
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, db.ErrForbidden):
		JSONError(w, "Playthrough belongs to another user", http.StatusForbidden)
		return
	case err != nil:
		log.Printf("Error storing playthrough for %d: %v", userID, err)
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SyncHandler) PutPlayerState(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r)
	if !ok {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var state model.PlayerState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil || state.MediaID == "" {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.DB.PutPlayerState(r.Context(), userID, state, h.now()); err != nil {
		log.Printf("Error storing player state for %d: %v", userID, err)
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AdminHandler struct {
	DB *db.DB
}

// PostLibrary applies library upserts and deletions published by the operator.
func (h *AdminHandler) PostLibrary(w http.ResponseWriter, r *http.Request) {
	var changes model.LibraryChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	for _, d := range changes.Deletions {
		if d.EntityType == "" || d.ID == "" {
			JSONError(w, "Deletion needs entity_type and id", http.StatusBadRequest)
			return
		}
	}

	if err := h.DB.ApplyLibrary(r.Context(), &changes, time.Now().UnixMilli()); err != nil {
		log.Printf("Error applying library changes: %v", err)
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
