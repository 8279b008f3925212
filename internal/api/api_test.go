package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/theLastOfCats/audiosync/internal/auth"
	"github.com/theLastOfCats/audiosync/internal/db"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/testutil"
)

func TestMain(m *testing.M) {
	auth.Init("test-secret")
	os.Exit(m.Run())
}

func TestHealth(t *testing.T) {
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	handler := http.HandlerFunc(Health)

	handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	expected := "Alive"
	if rr.Body.String() != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func login(t *testing.T, handler *AuthHandler, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(LoginRequest{Email: email, Password: password})
	req, _ := http.NewRequest("POST", "/auth", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	handler.Login(rr, req)
	return rr
}

func TestLogin(t *testing.T) {
	database := testutil.SetupTestDB(t)
	handler := &AuthHandler{DB: database}

	// Unknown email registers.
	rr := login(t, handler, "NewUser@example.com", "securepassword")
	if rr.Code != http.StatusOK {
		t.Fatalf("Auto-register failed, got status %v: %s", rr.Code, rr.Body.String())
	}
	var resp TokenResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	claims, err := auth.ValidateToken(resp.Token)
	if err != nil {
		t.Fatalf("issued token is invalid: %v", err)
	}

	user, err := database.GetUserByEmail(context.Background(), "newuser@example.com")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.ID != claims.UserID {
		t.Errorf("token user = %d, want %d", claims.UserID, user.ID)
	}

	if rr := login(t, handler, "newuser@example.com", "securepassword"); rr.Code != http.StatusOK {
		t.Errorf("Login with correct password got %v", rr.Code)
	}
	if rr := login(t, handler, "newuser@example.com", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("Login with wrong password got %v, want 401", rr.Code)
	}
}

func TestLoginWithRegistrationDisabled(t *testing.T) {
	database := testutil.SetupTestDB(t)
	handler := &AuthHandler{DB: database, DisableRegistration: true}

	if rr := login(t, handler, "nobody@example.com", "pw"); rr.Code != http.StatusUnauthorized {
		t.Errorf("unknown user got %v, want 401", rr.Code)
	}
}

func newUser(t *testing.T, database *db.DB, email string) (int64, string) {
	t.Helper()
	id, err := database.CreateUser(context.Background(), email, "hash", 1)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := auth.GenerateToken(id)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return id, token
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuthMiddleware(t *testing.T) {
	database := testutil.SetupTestDB(t)
	router := NewRouter(database, RouterConfig{Quiet: true})
	_, token := newUser(t, database, "a@example.com")
	ghost, err := auth.GenerateToken(999)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"deleted user", ghost, http.StatusUnauthorized},
		{"valid", token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, router, "GET", "/me", tt.token, nil)
			if rr.Code != tt.want {
				t.Errorf("GET /me = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestAdminRoutes(t *testing.T) {
	database := testutil.SetupTestDB(t)
	router := NewRouter(database, RouterConfig{Quiet: true, AdminEmails: []string{"admin@example.com"}})
	_, admin := newUser(t, database, "admin@example.com")
	_, reader := newUser(t, database, "reader@example.com")

	changes := model.LibraryChanges{Books: []model.Book{{ID: "b1", Title: "Dune", PublishedFormat: "year", UpdatedAt: 1}}}

	if rr := do(t, router, "POST", "/admin/library", reader, changes); rr.Code != http.StatusForbidden {
		t.Errorf("non-admin POST /admin/library = %d, want 403", rr.Code)
	}
	if rr := do(t, router, "POST", "/admin/library", admin, changes); rr.Code != http.StatusNoContent {
		t.Fatalf("admin POST /admin/library = %d: %s", rr.Code, rr.Body.String())
	}

	rr := do(t, router, "GET", "/sync/library", reader, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /sync/library = %d", rr.Code)
	}
	var got model.LibraryChanges
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Books) != 1 || got.Books[0].Title != "Dune" {
		t.Errorf("library = %+v, want Dune", got.Books)
	}
}

func TestSyncHandlers(t *testing.T) {
	database := testutil.SetupTestDB(t)
	router := NewRouter(database, RouterConfig{Quiet: true})
	_, alice := newUser(t, database, "alice@example.com")
	_, bob := newUser(t, database, "bob@example.com")

	position := 12.5
	batch := model.PlaythroughBatch{
		Playthrough: &model.Playthrough{ID: "p1", MediaID: "m1", Status: model.StatusInProgress, StartedAt: 1, CreatedAt: 1, UpdatedAt: 2},
		Events: []model.PlaybackEvent{
			{ID: "e1", PlaythroughID: "p1", Type: model.EventPause, Timestamp: 2, Position: &position},
		},
	}

	rr := do(t, router, "POST", "/sync/playthroughs", alice, batch)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /sync/playthroughs = %d: %s", rr.Code, rr.Body.String())
	}
	var result model.PushResult
	json.NewDecoder(rr.Body).Decode(&result)
	if result.PlaythroughID != "p1" || result.Accepted != 1 {
		t.Errorf("push result = %+v", result)
	}

	if rr := do(t, router, "POST", "/sync/playthroughs", bob, batch); rr.Code != http.StatusForbidden {
		t.Errorf("push of another user's playthrough = %d, want 403", rr.Code)
	}

	rr = do(t, router, "GET", "/sync/user", alice, nil)
	var changes model.UserChanges
	json.NewDecoder(rr.Body).Decode(&changes)
	if len(changes.Playthroughs) != 1 || len(changes.Events) != 1 {
		t.Fatalf("user changes = %+v", changes)
	}

	rr = do(t, router, "GET", "/sync/user?since="+strconv.FormatInt(changes.ServerTime, 10), alice, nil)
	changes = model.UserChanges{}
	json.NewDecoder(rr.Body).Decode(&changes)
	if len(changes.Playthroughs) != 0 || len(changes.Events) != 0 {
		t.Errorf("changes after cursor = %+v, want none", changes)
	}

	if rr := do(t, router, "GET", "/sync/user?since=yesterday", alice, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", rr.Code)
	}

	state := model.PlayerState{MediaID: "m1", Position: 12.5, PlaybackRate: 1, Status: "in_progress", UpdatedAt: 2}
	if rr := do(t, router, "PUT", "/player-state", alice, state); rr.Code != http.StatusNoContent {
		t.Errorf("PUT /player-state = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMediaServesRanges(t *testing.T) {
	database := testutil.SetupTestDB(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "m1.mp4"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(database, RouterConfig{Quiet: true, MediaDir: dir})
	_, token := newUser(t, database, "a@example.com")

	req := httptest.NewRequest("GET", "/media/m1/audio", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Range", "bytes=4-")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rr.Code)
	}
	if rr.Body.String() != "456789" {
		t.Errorf("body = %q, want 456789", rr.Body.String())
	}
	if etag := rr.Header().Get("ETag"); !strings.HasPrefix(etag, `"`) {
		t.Errorf("ETag = %q", etag)
	}

	if rr := do(t, router, "GET", "/media/missing/audio", token, nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing media = %d, want 404", rr.Code)
	}
}
