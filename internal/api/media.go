package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MediaHandler serves audio files and covers from Dir, named <id>.mp4 and
// <id>.jpg. Range and If-Range requests are honoured so downloads can resume.
type MediaHandler struct {
	Dir string
}

func (h *MediaHandler) Audio(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, ".mp4", "audio/mp4")
}

func (h *MediaHandler) Cover(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, ".jpg", "image/jpeg")
}

func (h *MediaHandler) serve(w http.ResponseWriter, r *http.Request, ext, contentType string) {
	id := r.PathValue("id")
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		JSONError(w, "Invalid media id", http.StatusBadRequest)
		return
	}

	path := filepath.Join(h.Dir, id+ext)
	f, err := os.Open(path)
	if err != nil {
		JSONError(w, "File not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		JSONError(w, "File stat failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", fmt.Sprintf(`"%x-%x"`, st.ModTime().UnixNano(), st.Size()))
	http.ServeContent(w, r, filepath.Base(path), st.ModTime(), f)
}
