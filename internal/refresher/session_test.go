package refresher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
)

func TestLoadSession_CookieFileTakesPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(path, []byte("ssid=fromfile\n"), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}

	session, err := LoadSession(config.SessionConfig{
		Mode:       "cookie",
		Cookie:     "ssid=inline",
		CookieFile: path,
	})
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.CookieHeader != "ssid=fromfile" {
		t.Fatalf("expected file cookie to win, got %q", session.CookieHeader)
	}
}

func TestLoadSession_RejectsUnknownMode(t *testing.T) {
	_, err := LoadSession(config.SessionConfig{Mode: "oauth"})
	if err == nil {
		t.Fatalf("expected unknown mode to be rejected")
	}
}

func TestLoadSession_MissingCookieFileFails(t *testing.T) {
	_, err := LoadSession(config.SessionConfig{CookieFile: "/nonexistent/cookies.txt"})
	if err == nil {
		t.Fatalf("expected missing cookie file to fail")
	}
}

func TestSessionValidate(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "accepted", status: http.StatusOK, body: homePage},
		{name: "gate_page", status: http.StatusOK, body: gatePage, wantErr: true},
		{name: "server_error", status: http.StatusInternalServerError, body: "", wantErr: true},
		{name: "missing_site_markers", status: http.StatusOK, body: "<html>ok</html>", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			session, err := LoadSession(config.SessionConfig{Mode: "cookie", ValidateURL: srv.URL})
			if err != nil {
				t.Fatalf("load session: %v", err)
			}

			cfg := testScraperConfig()
			cfg.MaxRetries = 0
			fetcher := NewFetcher(cfg, nil, "", discardLogger())

			err = session.Validate(context.Background(), fetcher)
			if tc.wantErr {
				if !errors.Is(err, ErrSessionInvalid) {
					t.Fatalf("expected ErrSessionInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}
