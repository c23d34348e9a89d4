package lode

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// ErrNoJobsFound is returned when no job record matches a query.
var ErrNoJobsFound = errors.New("no upload jobs found")

// NewReadDataset opens the dataset for reading with the write-path layout.
func NewReadDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	return newDataset(dataset, factory)
}

// NewReadDatasetFS opens a filesystem-backed dataset for reading.
func NewReadDatasetFS(dataset, rootPath string) (lode.Dataset, error) {
	return NewReadDataset(dataset, lode.NewFSFactory(rootPath))
}

// JobFilter narrows QueryJobs. Empty fields match everything.
type JobFilter struct {
	Source string
	RunID  string
}

// QueryJobs returns every job record matching f, oldest snapshot first.
func QueryJobs(ctx context.Context, ds lode.Dataset, f JobFilter) ([]JobRecord, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "snapshots")
	}

	var jobs []JobRecord
	for _, snap := range snapshots {
		if !snapshotMatches(snap, "record_kind", RecordKindJob) ||
			!snapshotMatches(snap, "source", f.Source) ||
			!snapshotMatches(snap, "run_id", f.RunID) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}
		// Manifest paths are a coarse pre-filter; record fields decide.
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKindJob {
				continue
			}
			if f.Source != "" && toString(m["source"]) != f.Source {
				continue
			}
			if f.RunID != "" && toString(m["run_id"]) != f.RunID {
				continue
			}
			jobs = append(jobs, jobFromMap(m))
		}
	}
	if len(jobs) == 0 {
		return nil, ErrNoJobsFound
	}
	return jobs, nil
}

// snapshotMatches reports whether any file of snap lies in a partition with
// key=value. An empty value matches every snapshot.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if hasPartition(f.Path, key, value) {
			return true
		}
	}
	return false
}

// hasPartition checks for an exact key=value path segment, so run_id=run-1
// does not match run_id=run-10.
func hasPartition(path, key, value string) bool {
	return slices.Contains(strings.Split(path, "/"), key+"="+value)
}
