package r2s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestClient_PutFileSigned(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "audit-2026-03-01-10.jsonl.zst")
	if err := os.WriteFile(local, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(srv.URL, "bucket", "AK", "SK")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.PutFile(context.Background(), "/audit/guard 1/"+filepath.Base(local), local); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotPath != "/bucket/audit/guard%201/audit-2026-03-01-10.jsonl.zst" {
		t.Fatalf("path %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AK/") || !strings.Contains(gotAuth, "/auto/s3/aws4_request") {
		t.Fatalf("auth %q", gotAuth)
	}
	if gotBody != "payload" {
		t.Fatalf("body %q", gotBody)
	}
}

func TestClient_PutFileStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(local, []byte("x"), 0o644)
	c, _ := New(srv.URL, "b", "AK", "SK")
	err := c.PutFile(context.Background(), "k", local)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err %v", err)
	}
}

func TestNew_RequiresFields(t *testing.T) {
	if _, err := New("", "b", "a", "s"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New("ftp://x", "b", "a", "s"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if cleanKey("../../etc") != "etc" || cleanKey("/") != "" {
		t.Fatalf("cleanKey")
	}
}
