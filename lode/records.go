package lode

import "time"

// RecordKind discriminator values.
const (
	RecordKindJob   = "upload_job"
	RecordKindChunk = "harvest_chunk"
)

// JobRecord is the storage format of one sink submission.
type JobRecord struct {
	JobID       string
	Source      string
	SourceID    int64
	Mode        string
	Priority    int
	SequenceID  string
	File        string
	Records     int
	Identifiers []string
	SubmittedAt time.Time
}

// ChunkRecord is the storage format of one archived harvest chunk.
type ChunkRecord struct {
	Source      string
	Name        string
	File        string
	Records     int
	Identifiers []string
	HarvestedAt time.Time
}

func (c *LodeClient) jobMap(j JobRecord) map[string]any {
	return map[string]any{
		"record_kind":  RecordKindJob,
		"job_id":       j.JobID,
		"source_id":    j.SourceID,
		"mode":         j.Mode,
		"priority":     j.Priority,
		"sequence_id":  j.SequenceID,
		"file":         j.File,
		"records":      j.Records,
		"identifiers":  stringsToAny(j.Identifiers),
		"submitted_at": j.SubmittedAt.UTC().Format(time.RFC3339Nano),
		"source":       j.Source,
		"day":          c.config.Day,
		"run_id":       c.config.RunID,
	}
}

func (c *LodeClient) chunkMap(ch ChunkRecord) map[string]any {
	return map[string]any{
		"record_kind":  RecordKindChunk,
		"name":         ch.Name,
		"file":         ch.File,
		"records":      ch.Records,
		"identifiers":  stringsToAny(ch.Identifiers),
		"harvested_at": ch.HarvestedAt.UTC().Format(time.RFC3339Nano),
		"source":       ch.Source,
		"day":          c.config.Day,
		"run_id":       c.config.RunID,
	}
}

// jobFromMap decodes a record read back through the JSONL codec.
func jobFromMap(m map[string]any) JobRecord {
	j := JobRecord{
		JobID:       toString(m["job_id"]),
		Source:      toString(m["source"]),
		SourceID:    toInt64(m["source_id"]),
		Mode:        toString(m["mode"]),
		Priority:    int(toInt64(m["priority"])),
		SequenceID:  toString(m["sequence_id"]),
		File:        toString(m["file"]),
		Records:     int(toInt64(m["records"])),
		Identifiers: toStrings(m["identifiers"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, toString(m["submitted_at"])); err == nil {
		j.SubmittedAt = t
	}
	return j
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 accepts the numeric types a record holds before and after a
// JSON round trip.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, toString(e))
		}
		return out
	default:
		return nil
	}
}
