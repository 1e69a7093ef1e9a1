package r2s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	auth    []string
	fail    bool
}

func (b *fakeBucket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	sum := sha256.Sum256(body)
	if r.Header.Get("x-amz-content-sha256") != hex.EncodeToString(sum[:]) {
		http.Error(rw, "payload hash mismatch", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		http.Error(rw, "boom", http.StatusInternalServerError)
		return
	}
	b.objects[r.URL.Path] = body
	b.auth = append(b.auth, r.Header.Get("Authorization"))
}

func newTestClient(t *testing.T, b *fakeBucket) *Client {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	c, err := New(Options{Endpoint: srv.URL, Bucket: "svo", AccessKey: "AK", SecretKey: "SK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestMirrorUploadsRelativeKey(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{}}
	c := newTestClient(t, b)

	dir := t.TempDir()
	p := filepath.Join(dir, "builds", "builds-2024-03-01-10.jsonl.zst")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMirror(c, dir, "/prod/", 2, 8, nil)
	m.Enqueue(p)
	m.Close(context.Background())

	got, ok := b.objects["/svo/prod/builds/builds-2024-03-01-10.jsonl.zst"]
	if !ok {
		t.Fatalf("object missing; have %v", b.objects)
	}
	if string(got) != "payload" {
		t.Fatalf("body=%q", got)
	}
	if !strings.HasPrefix(b.auth[0], "AWS4-HMAC-SHA256 Credential=AK/") || !strings.Contains(b.auth[0], "/auto/s3/aws4_request") {
		t.Fatalf("authorization=%q", b.auth[0])
	}
	st := m.Stats()
	if st.UploadedTotal != 1 || st.FailedTotal != 0 || st.EnqueuedTotal != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestMirrorCountsFailures(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{}, fail: true}
	c := newTestClient(t, b)

	dir := t.TempDir()
	p := filepath.Join(dir, "a.bin")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "b.bin")
	if err := os.WriteFile(outside, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMirror(c, dir, "", 1, 8, nil)
	m.backoff = time.Millisecond
	m.Enqueue(p)
	m.Enqueue(outside)
	m.Close(context.Background())

	st := m.Stats()
	if st.FailedTotal != 2 || st.UploadedTotal != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	c, err := New(Options{Endpoint: "r2.example.com", Bucket: "svo", AccessKey: "AK", SecretKey: "SK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sign := func() string {
		req, _ := http.NewRequest(http.MethodPut, c.objectURL("builds/a b.zst"), nil)
		c.sign(req, "abc", at)
		return req.Header.Get("Authorization")
	}
	a, b := sign(), sign()
	if a != b {
		t.Fatalf("signatures differ:\n%s\n%s", a, b)
	}
	if !strings.Contains(a, "Credential=AK/20240301/auto/s3/aws4_request") {
		t.Fatalf("scope missing: %s", a)
	}
	if got := c.objectURL("builds/a b.zst"); got != "https://r2.example.com/svo/builds/a%20b.zst" {
		t.Fatalf("url=%s", got)
	}
}

func TestNewRejectsMissingFields(t *testing.T) {
	if _, err := New(Options{Endpoint: "x", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"/a/b":      "a/b",
		`a\b`:       "a/b",
		"a/../../b": "b",
		"  ":        "",
		"/":         "",
		"a//b/./c":  "a/b/c",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want %q", in, got, want)
		}
	}
}
