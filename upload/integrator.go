package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/registry"
	"github.com/pithecene-io/oaiharvest/types"
)

// DefaultPriority is the submission priority when u_priority is unset.
const DefaultPriority = 5

// AuditLog stores one row per uploaded record.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, entries []registry.AuditEntry) error
}

// Integrator submits a source's artifacts and writes the audit trail.
type Integrator struct {
	Sink    Sink
	Audit   AuditLog
	Logger  *log.Logger
	Metrics *metrics.Collector
	RunID   string
	// Priority is the default priority; zero means DefaultPriority.
	Priority int
	// Now is the audit clock; nil means time.Now.
	Now func() time.Time
}

// Output is the pipeline result for one harvested chunk.
type Output struct {
	Artifact   types.Artifact
	Partitions map[types.UploadMode]types.Artifact
}

// Result summarises the uploads of one source.
type Result struct {
	JobIDs   []string
	Uploaded int
	Skipped  []string
}

// Upload submits the pipeline outputs of src under one sequence id. With the
// filter stage enabled every non-empty partition is submitted with its mode;
// otherwise each artifact is submitted as replace_or_insert.
//
// A failure before anything was submitted is a recoverable UploadError. A
// failure after at least one accepted submission, including an audit write
// failure, is a partial UploadError and therefore fatal. A file whose
// identifier sidecar disagrees with the submission is an integrity failure
// and is never submitted.
func (in *Integrator) Upload(ctx context.Context, src types.Source, outputs []Output) (Result, error) {
	logger := in.Logger
	if logger == nil {
		logger = log.Nop()
	}
	now := in.Now
	if now == nil {
		now = time.Now
	}

	subs := in.submissions(src, outputs, logger)
	var res Result
	for _, sub := range subs {
		if len(sub.Identifiers) == 0 {
			res.Skipped = append(res.Skipped, sub.File)
			continue
		}
		if err := checkSidecar(sub); err != nil {
			in.Metrics.IncUploadFailed()
			return res, &types.UploadError{File: sub.File, Partial: len(res.JobIDs) > 0, Err: err}
		}
		jobID, err := in.Sink.Submit(ctx, sub)
		if err != nil {
			in.Metrics.IncUploadFailed()
			return res, &types.UploadError{File: sub.File, Partial: len(res.JobIDs) > 0, Err: err}
		}
		res.JobIDs = append(res.JobIDs, jobID)
		in.Metrics.IncUploadSubmitted()

		entries := auditEntries(src.ID, sub.Identifiers, jobID, in.RunID, now().UTC())
		if in.Audit != nil && len(entries) > 0 {
			if err := in.Audit.AppendAuditLog(ctx, entries); err != nil {
				return res, &types.UploadError{File: sub.File, Partial: true, Err: fmt.Errorf("audit log: %w", err)}
			}
		}
		res.Uploaded += len(sub.Identifiers)
		in.Metrics.AddRecordsUploaded(len(sub.Identifiers))
		logger.Info("submitted to sink", map[string]any{
			"file":     sub.File,
			"mode":     string(sub.Mode),
			"job_id":   jobID,
			"records":  len(sub.Identifiers),
			"priority": sub.Priority,
		})
	}
	return res, nil
}

func (in *Integrator) submissions(src types.Source, outputs []Output, logger *log.Logger) []Submission {
	priority := in.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if v := src.Argument("u_priority", ""); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			logger.Warn("ignoring invalid u_priority", map[string]any{"value": v})
		} else {
			priority = p
		}
	}
	base := Submission{
		Priority:   priority,
		SourceTag:  src.Name,
		SequenceID: uuid.NewString(),
		Name:       src.Argument("u_name", "oaiharvest:"+src.Name),
		SourceID:   src.ID,
	}

	var subs []Submission
	for _, out := range outputs {
		if !src.Postprocess.Has(types.ModeFilter) {
			s := base
			s.File, s.Mode, s.Identifiers = out.Artifact.Path, types.UploadReplaceOrInsert, out.Artifact.Identifiers
			subs = append(subs, s)
			continue
		}
		for _, mode := range types.FilterModes {
			part, ok := out.Partitions[mode]
			if !ok {
				continue
			}
			s := base
			s.File, s.Mode, s.Identifiers = part.Path, mode, part.Identifiers
			subs = append(subs, s)
		}
	}
	return subs
}

// checkSidecar compares a submission with the identifier sidecar the
// pipeline wrote next to the file. A file without a sidecar is accepted.
func checkSidecar(sub Submission) error {
	stored, err := types.LoadArtifact(sub.File)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &types.IntegrityError{Path: sub.File, Err: err}
	}
	if !types.SameIdentifiers(stored.Identifiers, sub.Identifiers) {
		return &types.IntegrityError{Path: sub.File, Records: len(stored.Identifiers), Identifiers: len(sub.Identifiers)}
	}
	return nil
}

func auditEntries(sourceID int64, ids []string, jobID, runID string, at time.Time) []registry.AuditEntry {
	entries := make([]registry.AuditEntry, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		entries = append(entries, registry.AuditEntry{
			SourceID:      sourceID,
			OAIIdentifier: id,
			HarvestedAt:   at,
			JobID:         jobID,
			RunID:         runID,
		})
	}
	return entries
}
