package matchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mme-matchmaker/internal/domain"
)

// exportVersion is bumped when the export layout changes
const exportVersion = "1.0"

// MatchExport is the JSON document written by ExportJSON
type MatchExport struct {
	Version    string               `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Count      int                  `json:"count"`
	Records    []domain.MatchRecord `json:"records"`
}

// ExportJSON writes the history of the given patients to writer, most recent first per patient.
func ExportJSON(ctx context.Context, store domain.MatchStore, patientIDs []string, writer io.Writer) error {
	var all []domain.MatchRecord
	for _, id := range patientIDs {
		history, err := store.History(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read history for %s: %w", id, err)
		}
		all = append(all, history...)
	}
	if all == nil {
		all = []domain.MatchRecord{}
	}

	export := &MatchExport{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Records:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// ImportJSON appends the records of an export into store. Records whose
// match_oid already exists are skipped. Dates are re-stamped against the
// target history, so imported records never precede existing ones.
func ImportJSON(ctx context.Context, store domain.MatchStore, reader io.Reader) (imported int, skipped int, err error) {
	var export MatchExport
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	// exports list newest first; append oldest first to keep relative order
	for i := len(export.Records) - 1; i >= 0; i-- {
		rec := export.Records[i]
		if _, err := store.Append(ctx, rec); err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				skipped++
				continue
			}
			return imported, skipped, fmt.Errorf("failed to import %s: %w", rec.MatchOID, err)
		}
		imported++
	}
	return imported, skipped, nil
}
