package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("continue", "fs", "run-001")

	c.IncSourceDue()
	c.IncSourceDue()
	c.IncSourceSkipped()
	c.RecordSourceLevel(0)
	c.RecordSourceLevel(2)
	c.IncRequest()
	c.IncRequest()
	c.IncRequestRetry()
	c.IncChunk()
	c.AddRecordsHarvested(5)
	c.AddRecordsDuplicated(1)
	c.AddStageRecordErrors("fulltext", 2)
	c.AddStageRecordErrors("refextract", 1)
	c.AddStageRecordErrors("convert", 0)
	c.IncToolInvocation()
	c.IncToolTimeout()
	c.IncToolFailure()
	c.IncDaemonRestart()
	c.IncUploadSubmitted()
	c.IncUploadFailed()
	c.AddRecordsUploaded(4)

	s := c.Snapshot()

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"SourcesDue", s.SourcesDue, 2},
		{"SourcesSkipped", s.SourcesSkipped, 1},
		{"SourcesOK", s.SourcesOK, 1},
		{"SourcesRecoverable", s.SourcesRecoverable, 0},
		{"SourcesFatal", s.SourcesFatal, 1},
		{"Requests", s.Requests, 2},
		{"RequestRetries", s.RequestRetries, 1},
		{"Chunks", s.Chunks, 1},
		{"RecordsHarvested", s.RecordsHarvested, 5},
		{"RecordsDuplicated", s.RecordsDuplicated, 1},
		{"StageRecordErrors", s.StageRecordErrors, 3},
		{"ToolInvocations", s.ToolInvocations, 1},
		{"ToolTimeouts", s.ToolTimeouts, 1},
		{"ToolFailures", s.ToolFailures, 1},
		{"DaemonRestarts", s.DaemonRestarts, 1},
		{"UploadsSubmitted", s.UploadsSubmitted, 1},
		{"UploadsFailed", s.UploadsFailed, 1},
		{"RecordsUploaded", s.RecordsUploaded, 4},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %d, want %d", ck.name, ck.got, ck.want)
		}
	}

	if s.StageRecordErrorsByStage["fulltext"] != 2 {
		t.Errorf("StageRecordErrorsByStage[fulltext] = %d, want 2", s.StageRecordErrorsByStage["fulltext"])
	}
	if _, ok := s.StageRecordErrorsByStage["convert"]; ok {
		t.Error("zero-count stage should not appear in StageRecordErrorsByStage")
	}
	if s.Policy != "continue" || s.StorageBackend != "fs" || s.RunID != "run-001" {
		t.Errorf("dimensions = %q/%q/%q", s.Policy, s.StorageBackend, s.RunID)
	}
}

func TestCollector_NilReceiver(t *testing.T) {
	var c *Collector

	// Must not panic.
	c.IncSourceDue()
	c.RecordSourceLevel(1)
	c.AddStageRecordErrors("filter", 1)
	c.IncToolTimeout()
	c.IncUploadFailed()

	s := c.Snapshot()
	if s.SourcesDue != 0 {
		t.Errorf("SourcesDue = %d, want 0", s.SourcesDue)
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector("halt", "memory", "")
	c.AddStageRecordErrors("fulltext", 1)

	s := c.Snapshot()
	c.AddStageRecordErrors("fulltext", 1)

	if s.StageRecordErrorsByStage["fulltext"] != 1 {
		t.Errorf("snapshot mutated: fulltext = %d, want 1", s.StageRecordErrorsByStage["fulltext"])
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("halt", "fs", "run-001")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncToolInvocation()
			c.AddRecordsHarvested(2)
			_ = c.Snapshot()
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.ToolInvocations != 50 {
		t.Errorf("ToolInvocations = %d, want 50", s.ToolInvocations)
	}
	if s.RecordsHarvested != 100 {
		t.Errorf("RecordsHarvested = %d, want 100", s.RecordsHarvested)
	}
}
