package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func writeReport(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "coverage.txt")
	content := "mode: count\nmain.go:10.0,20.0 5 3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write report: %v", err)
	}
	return path
}

func TestUploadSuccess(t *testing.T) {
	var gotAuth, gotProject, gotRevision, gotReport string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Failed to parse multipart form: %v", err)
		}
		gotProject = r.FormValue("projectKey")
		gotRevision = r.FormValue("scmRevision")

		file, _, err := r.FormFile("report")
		if err != nil {
			t.Errorf("Missing report file: %v", err)
		} else {
			buf := make([]byte, 256)
			n, _ := file.Read(buf)
			gotReport = string(buf[:n])
			_ = file.Close()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	uploader := NewUploader("/api/coverage/import")
	err := uploader.Upload(context.Background(),
		Credential{Token: "secret-token", HostURL: server.URL},
		Request{ReportPath: writeReport(t), ProjectKey: "my-project", SCMRevision: "abc123"})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Errorf("Expected bearer auth header, got %q", gotAuth)
	}
	if gotProject != "my-project" {
		t.Errorf("Expected projectKey my-project, got %q", gotProject)
	}
	if gotRevision != "abc123" {
		t.Errorf("Expected scmRevision abc123, got %q", gotRevision)
	}
	if gotReport != "mode: count\nmain.go:10.0,20.0 5 3\n" {
		t.Errorf("Report content mangled: %q", gotReport)
	}
}

func TestUploadAuthenticationError(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		err := NewUploader("/api/coverage/import").Upload(context.Background(),
			Credential{Token: "bad", HostURL: server.URL},
			Request{ReportPath: writeReport(t), ProjectKey: "p", SCMRevision: "abc"})
		if !errors.Is(err, ErrAuthentication) {
			t.Errorf("Status %d: expected ErrAuthentication, got %v", status, err)
		}
		server.Close()
	}
}

func TestUploadBackendUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewUploader("/api/coverage/import").Upload(context.Background(),
		Credential{Token: "t", HostURL: server.URL},
		Request{ReportPath: writeReport(t), ProjectKey: "p", SCMRevision: "abc"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
}

func TestUploadUnreachableBackend(t *testing.T) {
	// A server that is already closed refuses connections.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	err := NewUploader("/api/coverage/import").Upload(context.Background(),
		Credential{Token: "t", HostURL: server.URL},
		Request{ReportPath: writeReport(t), ProjectKey: "p", SCMRevision: "abc"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
}

func TestUploadSingleAttempt(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_ = NewUploader("/api/coverage/import").Upload(context.Background(),
		Credential{Token: "t", HostURL: server.URL},
		Request{ReportPath: writeReport(t), ProjectKey: "p", SCMRevision: "abc"})

	if got := attempts.Load(); got != 1 {
		t.Errorf("Expected exactly one upload attempt, got %d", got)
	}
}

func TestUploadMissingReport(t *testing.T) {
	err := NewUploader("/api/coverage/import").Upload(context.Background(),
		Credential{Token: "t", HostURL: "http://localhost:1"},
		Request{ReportPath: "/nonexistent/report.txt", ProjectKey: "p", SCMRevision: "abc"})
	if err == nil {
		t.Error("Expected error for missing report file")
	}
}
