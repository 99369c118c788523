package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type capturedUpload struct {
	method      string
	path        string
	body        string
	headers     http.Header
	contentSize int64
}

func newStorageServer(t *testing.T, status int, capture *capturedUpload) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if capture != nil {
			capture.method = r.Method
			capture.path = r.URL.Path
			capture.body = string(body)
			capture.headers = r.Header.Clone()
			capture.contentSize = r.ContentLength
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestMediaStore(t *testing.T, server *httptest.Server, mutate func(*MediaStoreConfig)) *MediaStore {
	t.Helper()
	cfg := MediaStoreConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Bucket:    "media",
		Region:    "us-east-1",
		AccessKey: "test-access",
		SecretKey: "test-secret",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewMediaStore(cfg)
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	return store
}

func TestMediaStoreUpload(t *testing.T) {
	t.Parallel()

	var captured capturedUpload
	server := newStorageServer(t, http.StatusOK, &captured)
	store := newTestMediaStore(t, server, func(cfg *MediaStoreConfig) {
		cfg.PublicEndpoint = "https://cdn.example.com"
	})

	body := strings.NewReader("assembled media bytes")
	url, err := store.Upload(context.Background(), "recordings/clip.webm", body, int64(body.Len()))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if url != "https://cdn.example.com/recordings/clip.webm" {
		t.Fatalf("public URL = %q", url)
	}
	if captured.method != http.MethodPut {
		t.Fatalf("method = %s, want PUT", captured.method)
	}
	if captured.path != "/media/recordings/clip.webm" {
		t.Fatalf("path = %s", captured.path)
	}
	if captured.body != "assembled media bytes" {
		t.Fatalf("body = %q", captured.body)
	}
	if captured.contentSize != int64(len("assembled media bytes")) {
		t.Fatalf("content length = %d", captured.contentSize)
	}
	if got := captured.headers.Get("x-amz-content-sha256"); got != "UNSIGNED-PAYLOAD" {
		t.Fatalf("x-amz-content-sha256 = %q", got)
	}
	auth := captured.headers.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=test-access/") {
		t.Fatalf("authorization = %q", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=") || !strings.Contains(auth, "Signature=") {
		t.Fatalf("authorization is missing signature components: %q", auth)
	}
	if captured.headers.Get("x-amz-date") == "" {
		t.Fatal("x-amz-date is missing")
	}
	if captured.headers.Get("Content-Type") == "" {
		t.Fatal("content type is missing")
	}
}

func TestMediaStoreUploadWithoutPublicEndpoint(t *testing.T) {
	t.Parallel()

	server := newStorageServer(t, http.StatusOK, nil)
	store := newTestMediaStore(t, server, nil)

	url, err := store.Upload(context.Background(), "recordings/clip.webm", strings.NewReader("data"), 4)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != server.URL+"/media/recordings/clip.webm" {
		t.Fatalf("object URL = %q", url)
	}
}

func TestMediaStoreUploadRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	server := newStorageServer(t, http.StatusOK, nil)
	store := newTestMediaStore(t, server, nil)

	if _, err := store.Upload(context.Background(), "  /  ", strings.NewReader("data"), 4); err == nil {
		t.Fatal("expected an error for an empty key")
	}
}

func TestMediaStoreUploadReportsErrorStatus(t *testing.T) {
	t.Parallel()

	server := newStorageServer(t, http.StatusForbidden, nil)
	store := newTestMediaStore(t, server, nil)

	if _, err := store.Upload(context.Background(), "recordings/clip.webm", strings.NewReader("data"), 4); err == nil {
		t.Fatal("expected an error for a rejected upload")
	}
}

func TestMediaStoreDelete(t *testing.T) {
	t.Parallel()

	var captured capturedUpload
	server := newStorageServer(t, http.StatusNoContent, &captured)
	store := newTestMediaStore(t, server, nil)

	if err := store.Delete(context.Background(), "recordings/clip.webm"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if captured.method != http.MethodDelete {
		t.Fatalf("method = %s, want DELETE", captured.method)
	}
	if got := captured.headers.Get("x-amz-content-sha256"); got == "UNSIGNED-PAYLOAD" || got == "" {
		t.Fatalf("delete must sign the empty payload, got %q", got)
	}
}

func TestNewMediaStoreRequiresBucketAndEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := NewMediaStore(MediaStoreConfig{Endpoint: "storage.example.com"}); err == nil {
		t.Fatal("expected an error without a bucket")
	}
	if _, err := NewMediaStore(MediaStoreConfig{Bucket: "media"}); err == nil {
		t.Fatal("expected an error without an endpoint")
	}
}

func TestNewMediaStoreStripsEndpointScheme(t *testing.T) {
	t.Parallel()

	store, err := NewMediaStore(MediaStoreConfig{
		Endpoint: "https://storage.example.com",
		Bucket:   "media",
	})
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	if got := store.objectURL("key").Host; got != "storage.example.com" {
		t.Fatalf("endpoint host = %q", got)
	}
}
