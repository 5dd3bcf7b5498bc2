package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ReportArchive stores scan reports as JSON under reports/<workspace>/<job>.json.
type ReportArchive struct {
	store ObjectStorage
}

// NewReportArchive wraps an object store.
func NewReportArchive(store ObjectStorage) *ReportArchive {
	return &ReportArchive{store: store}
}

// ReportKey is the object key of a job's report.
func ReportKey(workspaceID, jobID string) string {
	return fmt.Sprintf("reports/%s/%s.json", workspaceID, jobID)
}

// Upload writes one object. It satisfies the scan controller's archive interface.
func (a *ReportArchive) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return a.store.Upload(ctx, key, reader, size, contentType)
}

// Fetch returns the archived report body, or ErrObjectNotFound.
func (a *ReportArchive) Fetch(ctx context.Context, workspaceID, jobID string) ([]byte, error) {
	key := ReportKey(workspaceID, jobID)
	ok, err := a.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrObjectNotFound
	}
	rc, err := a.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return buf.Bytes(), nil
}

// URL returns a public link to the report if the store exposes one.
func (a *ReportArchive) URL(workspaceID, jobID string) string {
	return a.store.GetURL(ReportKey(workspaceID, jobID))
}

// Purge deletes a job's report. Missing reports are not an error.
func (a *ReportArchive) Purge(ctx context.Context, workspaceID, jobID string) error {
	err := a.store.Delete(ctx, ReportKey(workspaceID, jobID))
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	return err
}
