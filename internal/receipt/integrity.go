package receipt

import (
	"context"
	"log/slog"
	"time"
)

// IssueMissingFile marks an item whose stored file is gone
const IssueMissingFile = "item"

// DefaultIntegrityInterval is how often the background worker rescans
const DefaultIntegrityInterval = 30 * time.Second

// Scan reports every item whose stored path does not resolve to an existing file
func Scan(doc *Document, storage Storage) []Issue {
	issues := []Issue{}
	for _, it := range doc.Items {
		if it.StoredRelativePath == "" {
			continue
		}
		if storage.Exists(it.StoredRelativePath) {
			continue
		}
		issues = append(issues, Issue{
			ItemID:  it.ID,
			Type:    IssueMissingFile,
			GroupID: it.GroupID,
			Path:    it.StoredRelativePath,
		})
	}
	return issues
}

// CheckIntegrity rescans the document and saves the result. Saving an
// unchanged record set never creates a backup.
func (s *Service) CheckIntegrity() ([]Issue, error) {
	var issues []Issue
	err := s.store.Update(func(tx *Tx) error {
		issues = Scan(tx.Doc, s.storage)
		tx.Doc.IntegrityIssues = issues
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issues, nil
}

// RunIntegrityWorker calls CheckIntegrity every interval until ctx is done
func (s *Service) RunIntegrityWorker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultIntegrityInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Integrity worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Integrity worker stopped")
			return nil
		case <-ticker.C:
			issues, err := s.CheckIntegrity()
			if err != nil {
				slog.Error("Integrity check failed", "error", err)
				continue
			}
			if len(issues) > 0 {
				slog.Warn("Integrity issues found", "count", len(issues))
			}
		}
	}
}
