// Package metrics provides per-run harvest metrics.
//
// The Collector accumulates counters during a single run. It is a leaf package
// with no internal dependencies so every layer (client, pipeline, executor,
// upload) can record into it without import cycles.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all run metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Sources
	SourcesDue         int64 `json:"sources_due" yaml:"sources_due"`
	SourcesSkipped     int64 `json:"sources_skipped" yaml:"sources_skipped"`
	SourcesOK          int64 `json:"sources_ok" yaml:"sources_ok"`
	SourcesRecoverable int64 `json:"sources_recoverable" yaml:"sources_recoverable"`
	SourcesFatal       int64 `json:"sources_fatal" yaml:"sources_fatal"`

	// Harvest
	Requests          int64 `json:"requests" yaml:"requests"`
	RequestRetries    int64 `json:"request_retries" yaml:"request_retries"`
	Chunks            int64 `json:"chunks" yaml:"chunks"`
	RecordsHarvested  int64 `json:"records_harvested" yaml:"records_harvested"`
	RecordsDuplicated int64 `json:"records_duplicated" yaml:"records_duplicated"`

	// Pipeline
	StageRecordErrors        int64            `json:"stage_record_errors" yaml:"stage_record_errors"`
	StageRecordErrorsByStage map[string]int64 `json:"stage_record_errors_by_stage,omitempty" yaml:"stage_record_errors_by_stage,omitempty"`

	// External tools
	ToolInvocations int64 `json:"tool_invocations" yaml:"tool_invocations"`
	ToolTimeouts    int64 `json:"tool_timeouts" yaml:"tool_timeouts"`
	ToolFailures    int64 `json:"tool_failures" yaml:"tool_failures"`
	DaemonRestarts  int64 `json:"daemon_restarts" yaml:"daemon_restarts"`

	// Upload
	UploadsSubmitted int64 `json:"uploads_submitted" yaml:"uploads_submitted"`
	UploadsFailed    int64 `json:"uploads_failed" yaml:"uploads_failed"`
	RecordsUploaded  int64 `json:"records_uploaded" yaml:"records_uploaded"`

	// Dimensions (informational, set at construction)
	Policy         string `json:"policy" yaml:"policy"`
	StorageBackend string `json:"storage_backend" yaml:"storage_backend"`
	RunID          string `json:"run_id" yaml:"run_id"`
}

// Collector accumulates metrics during a single run.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sourcesDue         int64
	sourcesSkipped     int64
	sourcesOK          int64
	sourcesRecoverable int64
	sourcesFatal       int64

	requests          int64
	requestRetries    int64
	chunks            int64
	recordsHarvested  int64
	recordsDuplicated int64

	stageRecordErrors int64
	stageErrByStage   map[string]int64

	toolInvocations int64
	toolTimeouts    int64
	toolFailures    int64
	daemonRestarts  int64

	uploadsSubmitted int64
	uploadsFailed    int64
	recordsUploaded  int64

	policy         string
	storageBackend string
	runID          string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(policy, storageBackend, runID string) *Collector {
	return &Collector{
		stageErrByStage: make(map[string]int64),
		policy:          policy,
		storageBackend:  storageBackend,
		runID:           runID,
	}
}

func (c *Collector) add(counter *int64, n int64) {
	c.mu.Lock()
	*counter += n
	c.mu.Unlock()
}

// --- Sources ---

// IncSourceDue records a source selected for harvesting.
func (c *Collector) IncSourceDue() {
	if c == nil {
		return
	}
	c.add(&c.sourcesDue, 1)
}

// IncSourceSkipped records a source the scheduler did not select.
func (c *Collector) IncSourceSkipped() {
	if c == nil {
		return
	}
	c.add(&c.sourcesSkipped, 1)
}

// RecordSourceLevel records the final level of a processed source:
// 0 ok, 1 recoverable, 2 fatal. The int keeps this package free of types.
func (c *Collector) RecordSourceLevel(level int) {
	if c == nil {
		return
	}
	switch level {
	case 0:
		c.add(&c.sourcesOK, 1)
	case 1:
		c.add(&c.sourcesRecoverable, 1)
	default:
		c.add(&c.sourcesFatal, 1)
	}
}

// --- Harvest ---

// IncRequest records one HTTP request to an OAI repository.
func (c *Collector) IncRequest() {
	if c == nil {
		return
	}
	c.add(&c.requests, 1)
}

// IncRequestRetry records a retried HTTP request.
func (c *Collector) IncRequestRetry() {
	if c == nil {
		return
	}
	c.add(&c.requestRetries, 1)
}

// IncChunk records one chunk file written.
func (c *Collector) IncChunk() {
	if c == nil {
		return
	}
	c.add(&c.chunks, 1)
}

// AddRecordsHarvested records records kept after deduplication.
func (c *Collector) AddRecordsHarvested(n int) {
	if c == nil {
		return
	}
	c.add(&c.recordsHarvested, int64(n))
}

// AddRecordsDuplicated records records dropped by deduplication.
func (c *Collector) AddRecordsDuplicated(n int) {
	if c == nil {
		return
	}
	c.add(&c.recordsDuplicated, int64(n))
}

// --- Pipeline ---

// AddStageRecordErrors records per-record failures of one stage.
func (c *Collector) AddStageRecordErrors(stage string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.mu.Lock()
	c.stageRecordErrors += int64(n)
	c.stageErrByStage[stage] += int64(n)
	c.mu.Unlock()
}

// --- External tools ---

// IncToolInvocation records an external tool run.
func (c *Collector) IncToolInvocation() {
	if c == nil {
		return
	}
	c.add(&c.toolInvocations, 1)
}

// IncToolTimeout records a tool killed at its timeout.
func (c *Collector) IncToolTimeout() {
	if c == nil {
		return
	}
	c.add(&c.toolTimeouts, 1)
}

// IncToolFailure records a tool that exited non-zero or failed to start.
func (c *Collector) IncToolFailure() {
	if c == nil {
		return
	}
	c.add(&c.toolFailures, 1)
}

// IncDaemonRestart records a managed daemon restart.
func (c *Collector) IncDaemonRestart() {
	if c == nil {
		return
	}
	c.add(&c.daemonRestarts, 1)
}

// --- Upload ---

// IncUploadSubmitted records an accepted submission.
func (c *Collector) IncUploadSubmitted() {
	if c == nil {
		return
	}
	c.add(&c.uploadsSubmitted, 1)
}

// IncUploadFailed records a rejected submission.
func (c *Collector) IncUploadFailed() {
	if c == nil {
		return
	}
	c.add(&c.uploadsFailed, 1)
}

// AddRecordsUploaded records records carried by accepted submissions.
func (c *Collector) AddRecordsUploaded(n int) {
	if c == nil {
		return
	}
	c.add(&c.recordsUploaded, int64(n))
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byStage := make(map[string]int64, len(c.stageErrByStage))
	for k, v := range c.stageErrByStage {
		byStage[k] = v
	}

	return Snapshot{
		SourcesDue:         c.sourcesDue,
		SourcesSkipped:     c.sourcesSkipped,
		SourcesOK:          c.sourcesOK,
		SourcesRecoverable: c.sourcesRecoverable,
		SourcesFatal:       c.sourcesFatal,

		Requests:          c.requests,
		RequestRetries:    c.requestRetries,
		Chunks:            c.chunks,
		RecordsHarvested:  c.recordsHarvested,
		RecordsDuplicated: c.recordsDuplicated,

		StageRecordErrors:        c.stageRecordErrors,
		StageRecordErrorsByStage: byStage,

		ToolInvocations: c.toolInvocations,
		ToolTimeouts:    c.toolTimeouts,
		ToolFailures:    c.toolFailures,
		DaemonRestarts:  c.daemonRestarts,

		UploadsSubmitted: c.uploadsSubmitted,
		UploadsFailed:    c.uploadsFailed,
		RecordsUploaded:  c.recordsUploaded,

		Policy:         c.policy,
		StorageBackend: c.storageBackend,
		RunID:          c.runID,
	}
}
