package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/TheMichaelB/cddsync/internal/models"
)

// cancelTimeout bounds the DELETE sent when an export is abandoned.
const cancelTimeout = 10 * time.Second

type exportHandle struct {
	ID models.VaultID `json:"id"`
}

type exportProgress struct {
	Status string `json:"status"`
}

// startAndAwait starts an async export at path, waits for it to finish and
// returns its body.
func (c *HTTPClient) startAndAwait(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var handle exportHandle
	if err := c.getJSON(ctx, path, query, &handle); err != nil {
		return nil, fmt.Errorf("start export: %w", err)
	}
	if handle.ID.IsZero() {
		return nil, fmt.Errorf("%w: no export id returned", models.ErrExportFailed)
	}

	if err := c.awaitExport(ctx, handle.ID); err != nil {
		return nil, err
	}
	return c.fetchExport(ctx, handle.ID)
}

// awaitExport polls the export until it finishes. Cancelling ctx deletes the
// export on the server before returning.
func (c *HTTPClient) awaitExport(ctx context.Context, id models.VaultID) error {
	logger := c.loggerFor(ctx).WithField("export_id", id)
	progressPath := "/export_progress/" + url.PathEscape(id.String())

	for {
		var progress exportProgress
		if err := c.getJSON(ctx, progressPath, nil, &progress); err != nil {
			if ctx.Err() != nil {
				c.cancelExport(id)
				return ctx.Err()
			}
			return fmt.Errorf("poll export %s: %w", id, err)
		}

		switch progress.Status {
		case ExportFinished:
			logger.Debug("Export finished")
			return nil
		case ExportNew, ExportStarted:
			logger.WithField("status", progress.Status).Debug("Export in progress")
		default:
			return fmt.Errorf("%w: export %s reported status %q", models.ErrExportFailed, id, progress.Status)
		}

		select {
		case <-c.clock().After(c.pollInterval):
		case <-ctx.Done():
			c.cancelExport(id)
			return ctx.Err()
		}
	}
}

// cancelExport deletes an abandoned export with a fresh short-lived context.
func (c *HTTPClient) cancelExport(id models.VaultID) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	logger := c.logger.WithField("export_id", id)
	if _, err := c.do(ctx, http.MethodDelete, "/exports/"+url.PathEscape(id.String()), nil); err != nil {
		logger.WithError(err).Warn("Failed to cancel export")
		return
	}
	logger.Info("Cancelled export")
}

// fetchExport downloads a finished export. CSV exports are plain text; JSON
// exports wrap an "objects" array the caller decodes.
func (c *HTTPClient) fetchExport(ctx context.Context, id models.VaultID) ([]byte, error) {
	body, err := c.getRaw(ctx, "/exports/"+url.PathEscape(id.String()), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch export %s: %w", id, err)
	}
	return body, nil
}
