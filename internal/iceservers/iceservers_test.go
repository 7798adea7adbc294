package iceservers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/auth"
)

func TestFetcherParsesResponse(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"iceServers":[
			{"urls":"stun:stun.example:3478"},
			{"urls":["turn:turn.example:3478"],"username":"u","credential":"c"}
		]}`)
	}))
	defer srv.Close()

	f := Fetcher{URL: srv.URL, Credentials: auth.Static("tok")}
	servers, err := f.Servers(context.Background())
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization=%q, want Bearer tok", gotAuth)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if servers[1].Username != "u" {
		t.Fatalf("username=%q, want u", servers[1].Username)
	}
}

func TestFetcherRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := Fetcher{URL: srv.URL, Credentials: auth.Static("tok")}
	_, err := f.Servers(context.Background())
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("err=%v, want status error", err)
	}
}

func TestFetcherRejectsInvalidServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"iceServers":[{"urls":"turn:turn.example:3478"}]}`)
	}))
	defer srv.Close()

	f := Fetcher{URL: srv.URL, Credentials: auth.Static("tok")}
	if _, err := f.Servers(context.Background()); err == nil {
		t.Fatalf("expected validation error for turn without credential")
	}
}

func TestFetcherFailsWithoutCredential(t *testing.T) {
	f := Fetcher{URL: "http://unused.example", Credentials: auth.Static("")}
	_, err := f.Servers(context.Background())
	if !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("err=%v, want ErrNoCredential", err)
	}
}

func TestFallbackUsedOnPrimaryError(t *testing.T) {
	static := Static{{URLs: []string{"stun:fallback.example:3478"}}}
	p := WithFallback{
		Primary:  Fetcher{URL: "http://127.0.0.1:0/ice", Credentials: auth.Static("tok")},
		Fallback: static,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	servers, err := p.Servers(context.Background())
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:fallback.example:3478" {
		t.Fatalf("servers=%+v, want fallback set", servers)
	}
}

func TestStaticCopies(t *testing.T) {
	s := Static{{URLs: []string{"stun:a.example:3478"}}}
	servers, err := s.Servers(context.Background())
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	servers[0] = webrtc.ICEServer{URLs: []string{"stun:mutated.example"}}
	again, _ := s.Servers(context.Background())
	if again[0].URLs[0] != "stun:a.example:3478" {
		t.Fatalf("Static backing array mutated")
	}
}

func TestMintedDeterministicWithFixedTime(t *testing.T) {
	m, err := NewMinted([]string{"turn:turn.example:3478"}, nil, "shared-secret", time.Hour, "duocall")
	if err != nil {
		t.Fatalf("NewMinted: %v", err)
	}
	m.Now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	m.sessionIDSource = func() (string, error) { return "session123", nil }

	servers, err := m.Servers(context.Background())
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("len=%d, want 1", len(servers))
	}
	wantUsername := "1700003600:duocall:session123"
	if servers[0].Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", servers[0].Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	wantCred := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if servers[0].Credential != wantCred {
		t.Fatalf("Credential: got %v, want %q", servers[0].Credential, wantCred)
	}
}

func TestMintedIncludesStun(t *testing.T) {
	m, err := NewMinted([]string{"turn:turn.example:3478"}, []string{"stun:stun.example:3478"}, "s", time.Minute, "pfx")
	if err != nil {
		t.Fatalf("NewMinted: %v", err)
	}
	servers, err := m.Servers(context.Background())
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 2 || servers[0].URLs[0] != "stun:stun.example:3478" {
		t.Fatalf("servers=%+v, want stun first", servers)
	}
	decoded, err := base64.StdEncoding.DecodeString(servers[1].Credential.(string))
	if err != nil {
		t.Fatalf("credential not base64: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}
}

func TestMintedConfigValidation(t *testing.T) {
	if _, err := NewMinted(nil, nil, "s", time.Minute, "pfx"); err == nil {
		t.Fatalf("expected error for missing turn urls")
	}
	if _, err := NewMinted([]string{"turn:t:3478"}, nil, "", time.Minute, "pfx"); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	if _, err := NewMinted([]string{"turn:t:3478"}, nil, "s", 0, "pfx"); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	if _, err := NewMinted([]string{"turn:t:3478"}, nil, "s", time.Minute, "a:b"); err == nil {
		t.Fatalf("expected error for colon in prefix")
	}
}
