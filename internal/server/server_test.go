package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/app"
	"github.com/ayusman/moodlens/internal/track"
	"github.com/ayusman/moodlens/testdata"
)

// fakePipeline records control calls made by the server.
type fakePipeline struct {
	mu       sync.Mutex
	running  bool
	enabled  bool
	display  track.Size
	startErr error
	frame    *gocv.Mat
}

func (p *fakePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	if p.running {
		return app.ErrAlreadyRunning
	}
	p.running = true
	return nil
}

func (p *fakePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
}

func (p *fakePipeline) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

func (p *fakePipeline) Resize(size track.Size) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errors.New("pipeline not running")
	}
	p.display = size
	return nil
}

func (p *fakePipeline) Status() app.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := app.Idle
	if p.running {
		state = app.Ticking
	}
	return app.Status{State: state.String(), Enabled: p.enabled, Display: p.display}
}

func (p *fakePipeline) Frame() (gocv.Mat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame == nil {
		return gocv.NewMat(), false
	}
	return p.frame.Clone(), true
}

func TestServer_Health(t *testing.T) {
	s := New(Config{})

	t.Run("returns 200 with JSON response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}

		contentType := rec.Header().Get("Content-Type")
		if contentType != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", contentType)
		}

		var response map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if response["status"] != "ok" {
			t.Errorf("expected status 'ok', got %v", response["status"])
		}

		if _, exists := response["uptime"]; !exists {
			t.Error("expected 'uptime' field in response")
		}
	})

	t.Run("only allows GET method", func(t *testing.T) {
		methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

		for _, method := range methods {
			req := httptest.NewRequest(method, "/api/health", nil)
			rec := httptest.NewRecorder()

			s.ServeHTTP(rec, req)

			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("method %s: expected status %d, got %d", method, http.StatusMethodNotAllowed, rec.Code)
			}
		}
	})
}

func TestServer_NotFound(t *testing.T) {
	s := New(Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/nonexistent", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestServer_StaticFiles(t *testing.T) {
	// Create a temporary directory with a static file
	tmpDir, err := os.MkdirTemp("", "moodlens-server-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// Create a test HTML file
	testContent := "<html><body>Hello, World!</body></html>"
	if err := os.WriteFile(filepath.Join(tmpDir, "index.html"), []byte(testContent), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	// Create a CSS file for testing direct file access
	cssContent := "body { color: red; }"
	if err := os.WriteFile(filepath.Join(tmpDir, "style.css"), []byte(cssContent), 0644); err != nil {
		t.Fatalf("failed to create test CSS file: %v", err)
	}

	s := New(Config{StaticDir: tmpDir})

	t.Run("serves index.html at root path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}

		if rec.Body.String() != testContent {
			t.Errorf("expected body %q, got %q", testContent, rec.Body.String())
		}
	})

	t.Run("serves static files from configured directory", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/style.css", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}

		if rec.Body.String() != cssContent {
			t.Errorf("expected body %q, got %q", cssContent, rec.Body.String())
		}
	})

	t.Run("returns 404 for non-existent static files", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nonexistent.html", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestServer_NoStaticDir(t *testing.T) {
	s := New(Config{})

	t.Run("root path returns 404 when no static dir configured", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("creates server with config", func(t *testing.T) {
		cfg := Config{StaticDir: "/some/path"}
		s := New(cfg)

		if s == nil {
			t.Fatal("expected non-nil server")
		}

		if s.config.StaticDir != cfg.StaticDir {
			t.Errorf("expected StaticDir %s, got %s", cfg.StaticDir, s.config.StaticDir)
		}
	})

	t.Run("server implements http.Handler", func(t *testing.T) {
		s := New(Config{})
		var _ http.Handler = s
	})
}

func post(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) app.Status {
	t.Helper()
	var st app.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	return st
}

func TestServer_Pipeline(t *testing.T) {
	p := &fakePipeline{enabled: true}
	s := New(Config{Pipeline: p})

	t.Run("status before start", func(t *testing.T) {
		rec := post(t, s, http.MethodGet, "/api/status", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if st := decodeStatus(t, rec); st.State != "idle" {
			t.Errorf("expected state idle, got %s", st.State)
		}
	})

	t.Run("resize before start conflicts", func(t *testing.T) {
		rec := post(t, s, http.MethodPut, "/api/display", `{"width":320,"height":240}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
	})

	t.Run("start", func(t *testing.T) {
		rec := post(t, s, http.MethodPost, "/api/pipeline", `{"action":"start"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if st := decodeStatus(t, rec); st.State != "ticking" {
			t.Errorf("expected state ticking, got %s", st.State)
		}
	})

	t.Run("second start conflicts", func(t *testing.T) {
		rec := post(t, s, http.MethodPost, "/api/pipeline", `{"action":"start"}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
	})

	t.Run("resize", func(t *testing.T) {
		rec := post(t, s, http.MethodPut, "/api/display", `{"width":320,"height":240}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		st := decodeStatus(t, rec)
		if st.Display != (track.Size{Width: 320, Height: 240}) {
			t.Errorf("expected display 320x240, got %+v", st.Display)
		}
	})

	t.Run("negative size rejected", func(t *testing.T) {
		rec := post(t, s, http.MethodPut, "/api/display", `{"width":-1,"height":240}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("disable and enable", func(t *testing.T) {
		rec := post(t, s, http.MethodPost, "/api/pipeline", `{"action":"disable"}`)
		if st := decodeStatus(t, rec); st.Enabled {
			t.Error("expected pipeline disabled")
		}
		rec = post(t, s, http.MethodPost, "/api/pipeline", `{"action":"enable"}`)
		if st := decodeStatus(t, rec); !st.Enabled {
			t.Error("expected pipeline enabled")
		}
	})

	t.Run("stop", func(t *testing.T) {
		rec := post(t, s, http.MethodPost, "/api/pipeline", `{"action":"stop"}`)
		if st := decodeStatus(t, rec); st.State != "idle" {
			t.Errorf("expected state idle, got %s", st.State)
		}
	})

	t.Run("bad requests", func(t *testing.T) {
		tests := []struct {
			name   string
			method string
			path   string
			body   string
			want   int
		}{
			{"unknown action", http.MethodPost, "/api/pipeline", `{"action":"dance"}`, http.StatusBadRequest},
			{"invalid json", http.MethodPost, "/api/pipeline", `{`, http.StatusBadRequest},
			{"pipeline via GET", http.MethodGet, "/api/pipeline", "", http.StatusMethodNotAllowed},
			{"display via POST", http.MethodPost, "/api/display", `{}`, http.StatusMethodNotAllowed},
			{"status via POST", http.MethodPost, "/api/status", "", http.StatusMethodNotAllowed},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := post(t, s, tt.method, tt.path, tt.body)
				if rec.Code != tt.want {
					t.Errorf("expected status %d, got %d", tt.want, rec.Code)
				}
			})
		}
	})
}

func TestServer_PipelineStartFailure(t *testing.T) {
	p := &fakePipeline{startErr: errors.New("camera permission denied")}
	s := New(Config{Pipeline: p})

	rec := post(t, s, http.MethodPost, "/api/pipeline", `{"action":"start"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}

	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if !strings.Contains(body["error"], "permission denied") {
		t.Errorf("expected error to mention cause, got %q", body["error"])
	}
}

func TestServer_RoutesWithoutPipeline(t *testing.T) {
	s := New(Config{})

	for _, path := range []string{"/api/status", "/api/pipeline", "/api/display", "/api/stream", "/api/overlay"} {
		rec := post(t, s, http.MethodGet, path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusNotFound, rec.Code)
		}
	}
}

func TestStreamHandler_Encode(t *testing.T) {
	t.Run("no frame yet", func(t *testing.T) {
		h := NewStreamHandler(&fakePipeline{}, nil)
		if _, err := h.encode(); err == nil {
			t.Error("expected error without a frame")
		}
	})

	t.Run("encodes latest frame as JPEG", func(t *testing.T) {
		frame := testdata.BlankFrame(testdata.Width, testdata.Height)
		defer frame.Close()

		h := NewStreamHandler(&fakePipeline{frame: frame}, nil)
		data, err := h.encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
			t.Error("expected JPEG start-of-image marker")
		}
	})

	t.Run("rejects non-GET", func(t *testing.T) {
		h := NewStreamHandler(&fakePipeline{}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/stream", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}
