package http

import (
	"bytes"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/config"
	"github.com/quartzvm/quartz/internal/store/sqlite"
	"github.com/quartzvm/quartz/internal/upload"
)

func newTestRouter(t *testing.T) (*gin.Engine, *upload.Sink) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zerolog.Nop()

	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	local := auth.NewLocalStrategy(st)
	codec := auth.NewTokenCodec(auth.TokenConfig{Secret: []byte("test-secret")})
	authority := auth.NewManager(codec, &logger)
	authority.Register(local)

	uploads := upload.NewSink(&logger)
	rooms := map[string]config.RoomConfig{
		"lobby":  {DisplayName: "Lobby"},
		"vault":  {DisplayName: "Vault", Protected: true},
		"stage0": {DisplayName: "Staging", Internal: true},
	}
	api := NewAPIHandlers(authority, local, uploads, rooms, 1<<20, &logger)

	router := gin.New()
	router.POST("/upload", api.Upload)
	router.POST("/api/login", api.Login)
	router.POST("/api/register", api.Register)
	router.GET("/api/rooms", api.Rooms)
	return router, uploads
}

func TestUploadConsumesTokenOnce(t *testing.T) {
	router, uploads := newTestRouter(t)

	var got [][]byte
	uploads.Register("tok-1", func(data []byte) {
		got = append(got, data)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(stdhttp.MethodPost, "/upload?token=tok-1", bytes.NewReader([]byte("payload")))
	router.ServeHTTP(rec, req)
	if rec.Code != stdhttp.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(stdhttp.MethodPost, "/upload?token=tok-1", bytes.NewReader([]byte("replay")))
	router.ServeHTTP(rec, req)
	if rec.Code != stdhttp.StatusForbidden {
		t.Fatalf("expected 403 on replay, got %d", rec.Code)
	}

	if len(got) != 1 || string(got[0]) != "payload" {
		t.Fatalf("callback fired %d times with %q", len(got), got)
	}
}

func TestUploadRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(stdhttp.MethodPost, "/upload", bytes.NewReader([]byte("payload")))
	router.ServeHTTP(rec, req)
	if rec.Code != stdhttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRoomsHidesRestrictedRooms(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(stdhttp.MethodGet, "/api/rooms", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != stdhttp.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var rooms []RoomInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected exactly the lobby, got %v", rooms)
	}
	if rooms[0].ID != "lobby" || rooms[0].Name != "Lobby" {
		t.Fatalf("unexpected room listing: %+v", rooms[0])
	}
}

func TestRegisterThenLogin(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(RegisterRequest{Username: "alice", Password: "hunter22"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(stdhttp.MethodPost, "/api/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != stdhttp.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created AuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.Token == "" {
		t.Fatalf("expected a token in the register response, got %q (%v)", rec.Body.String(), err)
	}

	body, _ = json.Marshal(LoginRequest{Username: "alice", Password: "hunter22"})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(stdhttp.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != stdhttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body, _ = json.Marshal(LoginRequest{Username: "alice", Password: "wrong"})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(stdhttp.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != stdhttp.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(RegisterRequest{Username: "bob", Password: "hunter22"})
	for i, want := range []int{stdhttp.StatusCreated, stdhttp.StatusConflict} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(stdhttp.MethodPost, "/api/register", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("attempt %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}
