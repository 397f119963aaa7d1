// Package upload pushes coverage reports to the quality backend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrAuthentication indicates a bad or expired credential. Fatal, never
	// retried automatically.
	ErrAuthentication = errors.New("quality backend rejected credentials")

	// ErrBackendUnavailable indicates the backend could not be reached or
	// answered with a server error. The embedding substrate may retry the
	// whole run; the uploader itself never does.
	ErrBackendUnavailable = errors.New("quality backend unavailable")
)

// Credential authenticates uploads. It is owned by an external secret store;
// the pipeline only reads it and must never log the token.
type Credential struct {
	Token   string
	HostURL string
}

// Request describes a single report upload.
type Request struct {
	ReportPath  string
	ProjectKey  string
	SCMRevision string
}

// Uploader performs exactly one upload attempt per invocation.
type Uploader struct {
	client     *http.Client
	uploadPath string
}

// NewUploader creates an uploader posting to the given ingestion path on the
// credential's host.
func NewUploader(uploadPath string) *Uploader {
	return &Uploader{
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		uploadPath: uploadPath,
	}
}

// Upload posts the report to the backend, tagged with the project key and
// the revision under analysis.
func (u *Uploader) Upload(ctx context.Context, cred Credential, req Request) error {
	body, contentType, err := buildMultipartBody(req)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(cred.HostURL, "/") + u.uploadPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)

	log.Printf("Uploading coverage report: project=%s, revision=%s", req.ProjectKey, req.SCMRevision)

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Printf("Coverage report accepted for revision %s", req.SCMRevision)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (HTTP %d)", ErrAuthentication, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w (HTTP %d)", ErrBackendUnavailable, resp.StatusCode)
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload rejected (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}

// buildMultipartBody assembles the report file and tagging fields into a
// multipart form.
func buildMultipartBody(req Request) (io.Reader, string, error) {
	file, err := os.Open(req.ReportPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open report: %w", err)
	}
	defer func() { _ = file.Close() }()

	var buf strings.Builder
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("report", filepath.Base(req.ReportPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to read report: %w", err)
	}

	if err := writer.WriteField("projectKey", req.ProjectKey); err != nil {
		return nil, "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := writer.WriteField("scmRevision", req.SCMRevision); err != nil {
		return nil, "", fmt.Errorf("failed to build upload form: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish upload form: %w", err)
	}

	return strings.NewReader(buf.String()), writer.FormDataContentType(), nil
}
