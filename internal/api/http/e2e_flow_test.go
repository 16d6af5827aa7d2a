package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trackstream/internal/auth"
	"trackstream/internal/cache"
	"trackstream/internal/domain"
	"trackstream/internal/library"
	"trackstream/internal/prefetch"
)

const e2eSecret = "e2e-secret-e2e-secret-e2e-secret-42"

func signedToken(t *testing.T, subject, email string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Audience:  jwt.ClaimStrings{"authenticated"},
		},
		Email: email,
		Role:  "authenticated",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e2eSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// TestE2EListenerFlow walks a player through random pick, prefetch, and a
// seek-style range request against a real listener.
func TestE2EListenerFlow(t *testing.T) {
	dir := t.TempDir()
	content := sampleBytes(64 * 1024)
	if err := os.WriteFile(filepath.Join(dir, "only_track.mp3"), content, 0o644); err != nil {
		t.Fatalf("write track: %v", err)
	}

	lib, err := library.New(dir)
	if err != nil {
		t.Fatalf("library.New: %v", err)
	}
	verifier, err := auth.NewJWTVerifier(e2eSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	trackCache := cache.New(lib, cache.WithCapacity(1<<20))
	prefetcher := prefetch.NewService(trackCache)
	defer func() { _ = prefetcher.Close(context.Background()) }()

	ts := httptest.NewServer(NewServer(lib, trackCache, verifier, WithPrefetcher(prefetcher)).Handler())
	defer ts.Close()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	token := signedToken(t, "listener-1", "listener@example.com")
	send := func(method, path string, body io.Reader, header http.Header) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, body)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		for key, values := range header {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	// Step 1: who am I
	resp := send(http.MethodGet, "/user", nil, nil)
	var user domain.UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || user.UserID != "listener-1" || user.Email != "listener@example.com" {
		t.Fatalf("unexpected /user response %d %+v", resp.StatusCode, user)
	}

	// Step 2: random pick redirects without following
	resp = send(http.MethodGet, "/random", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location != "/tracks/only_track" {
		t.Fatalf("unexpected Location %q", location)
	}

	// Step 3: warm it
	resp = send(http.MethodPost, "/prefetch", strings.NewReader(`{"track_ids":["only_track"]}`),
		http.Header{"Content-Type": []string{"application/json"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from prefetch, got %d", resp.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !trackCache.Contains("only_track") {
		if time.Now().After(deadline) {
			t.Fatalf("track was not warmed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Step 4: the player re-requests the redirect target with a seek range
	resp = send(http.MethodGet, location, nil, http.Header{"Range": []string{"bytes=1024-2047"}})
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 1024-2047/65536" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if !bytes.Equal(body, content[1024:2048]) {
		t.Fatalf("range body mismatch")
	}
	stats := trackCache.Stats()
	if stats.Misses != 1 || stats.Hits < 1 {
		t.Fatalf("expected one miss from prefetch and a hit from streaming, got %+v", stats)
	}

	// Step 5: a forged token is rejected
	token = "not.a.jwt"
	resp = send(http.MethodGet, location, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", resp.StatusCode)
	}
}
