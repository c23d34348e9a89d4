// Package lode persists upload jobs, submitted files and archived harvest
// chunks in a Lode dataset.
//
// Records are Hive-partitioned by source/day/run_id/record_kind. Files are
// written beside the dataset under the same partition path, in files/.
package lode

import (
	"context"
	"time"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "oaiharvest"

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"source", "day", "run_id", "record_kind"}

// DeriveDay computes the partition day from the run start time (YYYY-MM-DD UTC).
func DeriveDay(startTime time.Time) string {
	return startTime.UTC().Format("2006-01-02")
}

// Config holds the run-wide partition values.
type Config struct {
	// Dataset is the Lode dataset ID.
	Dataset string
	// Day is derived from the run start time.
	Day string
	// RunID is the run identifier.
	RunID string
}

// Client abstracts the Lode storage client.
type Client interface {
	// PutFile stores data as files/<filename> in the source's partition and
	// returns the store path.
	PutFile(ctx context.Context, source, filename string, data []byte) (string, error)

	// WriteJobs appends upload job records.
	WriteJobs(ctx context.Context, jobs []JobRecord) error

	// WriteChunks appends harvest chunk records.
	WriteChunks(ctx context.Context, chunks []ChunkRecord) error

	// Close releases client resources.
	Close() error
}
