package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/oaiharvest/adapter"
	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/lode"
	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/oai"
	"github.com/pithecene-io/oaiharvest/pipeline"
	"github.com/pithecene-io/oaiharvest/policy"
	"github.com/pithecene-io/oaiharvest/registry"
	"github.com/pithecene-io/oaiharvest/scheduler"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/upload"
)

var testNow = time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)

func page(ids ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListRecords>`)
	for _, id := range ids {
		if id == "" {
			b.WriteString(`<record><metadata><dc>anonymous</dc></metadata></record>`)
			continue
		}
		fmt.Fprintf(&b, `<record><header><identifier>%s</identifier></header><metadata><dc>%s</dc></metadata></record>`, id, id)
	}
	b.WriteString(`</ListRecords></OAI-PMH>`)
	return b.String()
}

// fakeHarvester serves pages per base URL and records every request.
type fakeHarvester struct {
	mu       sync.Mutex
	pages    map[string][]string
	errs     map[string]error
	requests []oai.Request
}

func (h *fakeHarvester) Fetch(_ context.Context, req oai.Request, dir, prefix string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	if err := h.errs[req.BaseURL]; err != nil {
		return nil, err
	}
	var paths []string
	for i, body := range h.pages[req.BaseURL] {
		path := filepath.Join(dir, fmt.Sprintf("%s%d.xml", prefix, i+1))
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (h *fakeHarvester) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

type eventRecorder struct {
	events []*adapter.RunCompletedEvent
}

func (r *eventRecorder) Publish(_ context.Context, ev *adapter.RunCompletedEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) Close() error { return nil }

type ticketRecorder struct {
	subjects []string
	comments []string
}

func (r *ticketRecorder) Submit(_ context.Context, subject, _ string) (string, error) {
	r.subjects = append(r.subjects, subject)
	return fmt.Sprintf("T%d", len(r.subjects)), nil
}

func (r *ticketRecorder) Comment(_ context.Context, _, text string) error {
	r.comments = append(r.comments, text)
	return nil
}

// recordErrorStage reports one per-record failure and passes records through.
type recordErrorStage struct{}

func (recordErrorStage) Name() string     { return "refextract" }
func (recordErrorStage) Mode() types.Mode { return types.ModeRefExtract }
func (recordErrorStage) Run(_ context.Context, _ *pipeline.SourceRun, in types.Artifact) pipeline.Result {
	return pipeline.Result{Artifact: in, Errors: []string{in.Identifiers[0] + ": no references found"}}
}

// stoppingStage passes records through and then requests a stop, so the
// checkpoint before the next stage sees it.
type stoppingStage struct{ supervisor *Supervisor }

func (stoppingStage) Name() string     { return "convert" }
func (stoppingStage) Mode() types.Mode { return types.ModeConvert }
func (s stoppingStage) Run(_ context.Context, _ *pipeline.SourceRun, in types.Artifact) pipeline.Result {
	s.supervisor.Stop()
	return pipeline.Result{Artifact: in}
}

func openRegistry(t *testing.T, sources ...types.Source) (*registry.Registry, []types.Source) {
	t.Helper()
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	for _, s := range sources {
		if _, err := reg.Upsert(context.Background(), s); err != nil {
			t.Fatalf("Upsert(%s): %v", s.Name, err)
		}
	}
	loaded, err := reg.Sources(context.Background())
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	return reg, loaded
}

func source(name, modes string) types.Source {
	return types.Source{
		Name:           name,
		BaseURL:        "https://" + name + ".example.org/oai2d",
		MetadataPrefix: "marcxml",
		FrequencyHours: 24,
		Postprocess:    types.MustPostprocessMode(modes),
	}
}

func newConfig(t *testing.T, reg Registry, h Harvester, sink upload.Sink) *RunConfig {
	t.Helper()
	return &RunConfig{
		RunMeta:   &types.RunMeta{RunID: "run-1", Attempt: 1},
		Registry:  reg,
		Harvester: h,
		Sink:      sink,
		Invoker:   &executor.Invoker{Timeout: 10 * time.Second},
		WorkDir:   t.TempDir(),
		Logger:    log.Nop(),
		Collector: metrics.NewCollector("halt", "memory", "run-1"),
		Now:       func() time.Time { return testNow },
	}
}

func execute(t *testing.T, cfg *RunConfig) *RunResult {
	t.Helper()
	orch, err := NewRunOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewRunOrchestrator: %v", err)
	}
	res, err := orch.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func outcomeOfSource(t *testing.T, res *RunResult, name string) types.SourceOutcome {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.Source == name {
			return o
		}
	}
	t.Fatalf("no outcome for %s", name)
	return types.SourceOutcome{}
}

func TestExecute_IntegrityFailureIsolatedToSource(t *testing.T) {
	reg, _ := openRegistry(t, source("bad", "u"), source("good", "u"))
	h := &fakeHarvester{pages: map[string][]string{
		// 5 records, 4 identifiers
		"https://bad.example.org/oai2d":  {page("oai:b:1", "oai:b:2", "", "oai:b:3", "oai:b:4")},
		"https://good.example.org/oai2d": {page("oai:g:1", "oai:g:2")},
	}}
	sink := &upload.StubSink{}
	cfg := newConfig(t, reg, h, sink)

	res := execute(t, cfg)

	bad := outcomeOfSource(t, res, "bad")
	if bad.Level != types.LevelFatal {
		t.Errorf("bad.Level = %v, want fatal", bad.Level)
	}
	if bad.LastRunAdvanced {
		t.Error("bad source advanced lastrun")
	}
	for _, s := range sink.Submissions {
		if s.SourceTag == "bad" {
			t.Errorf("bad source submitted %s", s.File)
		}
	}

	good := outcomeOfSource(t, res, "good")
	if good.Level != types.LevelNone || good.Uploaded != 2 {
		t.Errorf("good = %+v, want level 0 and 2 uploaded", good)
	}
	if !good.LastRunAdvanced {
		t.Error("good source did not advance lastrun")
	}

	if res.Verdict.Success || res.Verdict.Level != types.LevelFatal {
		t.Errorf("Verdict = %+v, want fatal failure", res.Verdict)
	}
	if got := ExitCode(res); got != ExitCodeFailure {
		t.Errorf("ExitCode = %d, want %d", got, ExitCodeFailure)
	}

	sources, err := reg.SourcesByName(context.Background(), []string{"bad", "good"})
	if err != nil {
		t.Fatal(err)
	}
	if sources[0].LastRun != nil {
		t.Errorf("bad lastrun = %v, want nil", sources[0].LastRun)
	}
	if sources[1].LastRun == nil || !sources[1].LastRun.Equal(testNow) {
		t.Errorf("good lastrun = %v, want %v", sources[1].LastRun, testNow)
	}
}

func TestExecute_RecordErrorKeepsLastRun(t *testing.T) {
	last := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	src := source("arxiv", "ru")
	src.LastRun = &last
	reg, _ := openRegistry(t, src)
	h := &fakeHarvester{pages: map[string][]string{
		src.BaseURL: {page("oai:a:1", "oai:a:2")},
	}}
	sink := &upload.StubSink{}
	cfg := newConfig(t, reg, h, sink)
	cfg.Pipeline = pipeline.NewWithStages(recordErrorStage{})

	res := execute(t, cfg)

	o := outcomeOfSource(t, res, "arxiv")
	if o.Level != types.LevelNone {
		t.Errorf("Level = %v, want ok", o.Level)
	}
	if len(o.Messages) != 1 || !strings.Contains(o.Messages[0], "no references found") {
		t.Errorf("Messages = %v", o.Messages)
	}
	if o.LastRunAdvanced {
		t.Error("lastrun advanced despite record errors")
	}
	if sink.Len() != 1 {
		t.Errorf("submissions = %d, want 1", sink.Len())
	}
	if from := h.requests[0].Window.FromParam(); from != "2021-01-01" {
		t.Errorf("from = %q, want 2021-01-01", from)
	}

	reloaded, err := reg.SourcesByName(context.Background(), []string{"arxiv"})
	if err != nil {
		t.Fatal(err)
	}
	d := scheduler.Decide(reloaded[0], scheduler.Override{}, testNow)
	if !d.Due || d.Window.FromParam() != "2021-01-01" {
		t.Errorf("rescheduled decision = %s, want due from 2021-01-01", d)
	}
}

func TestExecute_FilterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	insert := page("oai:f:1", "oai:f:3")
	correct := page("oai:f:2")
	if err := os.WriteFile(filepath.Join(dir, "insert.xml"), []byte(insert), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "correct.xml"), []byte(correct), 0o644); err != nil {
		t.Fatal(err)
	}
	prog := filepath.Join(dir, "filter.sh")
	script := fmt.Sprintf("#!/bin/sh\ncp %q \"$1.insert.xml\"\ncp %q \"$1.correct.xml\"\n",
		filepath.Join(dir, "insert.xml"), filepath.Join(dir, "correct.xml"))
	if err := os.WriteFile(prog, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	src := source("filtered", "fu")
	src.FilterProgram = prog
	reg, _ := openRegistry(t, src)
	h := &fakeHarvester{pages: map[string][]string{src.BaseURL: {page("oai:f:1", "oai:f:2", "oai:f:3")}}}
	sink := &upload.StubSink{}
	cfg := newConfig(t, reg, h, sink)

	res := execute(t, cfg)

	o := outcomeOfSource(t, res, "filtered")
	if o.Level != types.LevelNone {
		t.Fatalf("Level = %v, messages %v", o.Level, o.Messages)
	}
	if sink.Len() != 2 {
		t.Fatalf("submissions = %d, want 2", sink.Len())
	}
	got := map[types.UploadMode]int{}
	for _, s := range sink.Submissions {
		got[s.Mode] = len(s.Identifiers)
	}
	if got[types.UploadInsert] != 2 || got[types.UploadCorrect] != 1 {
		t.Errorf("submissions by mode = %v, want insert:2 correct:1", got)
	}
	if sink.Submissions[0].SequenceID != sink.Submissions[1].SequenceID {
		t.Error("submissions of one source carry different sequence ids")
	}
	if o.Uploaded != 3 || len(o.JobIDs) != 2 {
		t.Errorf("Uploaded = %d, JobIDs = %v", o.Uploaded, o.JobIDs)
	}

	rows, err := reg.AuditLog(context.Background(), outcomeOfSource(t, res, "filtered").SourceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("audit rows = %d, want 3", len(rows))
	}
}

func TestExecute_NetworkErrorUnderContinuePolicy(t *testing.T) {
	reg, _ := openRegistry(t, source("down", "u"), source("up", "u"))
	h := &fakeHarvester{
		pages: map[string][]string{"https://up.example.org/oai2d": {page("oai:u:1")}},
		errs:  map[string]error{"https://down.example.org/oai2d": &types.NetworkError{URL: "https://down.example.org/oai2d", Err: errors.New("connection refused")}},
	}
	events := &eventRecorder{}
	cfg := newConfig(t, reg, h, &upload.StubSink{})
	cfg.Policy = policy.NewContinuePolicy()
	cfg.Adapter = events

	res := execute(t, cfg)

	if o := outcomeOfSource(t, res, "down"); o.Level != types.LevelRecoverable {
		t.Errorf("down.Level = %v, want recoverable", o.Level)
	}
	if !res.Verdict.Success || !res.Verdict.Alert {
		t.Errorf("Verdict = %+v, want success with alert", res.Verdict)
	}
	if len(events.events) != 1 {
		t.Fatalf("events = %d, want 1", len(events.events))
	}
	ev := events.events[0]
	if ev.Outcome != adapter.OutcomeSuccess || !ev.Alert || ev.Policy != policy.NameContinue {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Sources) != 2 || ev.Metrics == nil || ev.Metrics.SourcesRecoverable != 1 {
		t.Errorf("event sources = %+v, metrics = %+v", ev.Sources, ev.Metrics)
	}
}

func TestExecute_NoEventWithoutAlert(t *testing.T) {
	reg, _ := openRegistry(t, source("ok", "u"))
	h := &fakeHarvester{pages: map[string][]string{"https://ok.example.org/oai2d": {page("oai:o:1")}}}
	events := &eventRecorder{}
	cfg := newConfig(t, reg, h, &upload.StubSink{})
	cfg.Adapter = events

	execute(t, cfg)
	if len(events.events) != 0 {
		t.Errorf("events = %d, want 0", len(events.events))
	}

	cfg = newConfig(t, reg, h, &upload.StubSink{})
	cfg.Adapter = events
	cfg.Notify = true
	execute(t, cfg)
	if len(events.events) != 1 {
		t.Errorf("events with notify = %d, want 1", len(events.events))
	}
}

func TestExecute_UnknownSourceIsConfigurationError(t *testing.T) {
	reg, _ := openRegistry(t, source("known", "u"))
	h := &fakeHarvester{}
	cfg := newConfig(t, reg, h, &upload.StubSink{})
	cfg.SourceNames = []string{"known", "missing"}

	orch, err := NewRunOrchestrator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = orch.Execute(context.Background())
	if got := ExitCodeForError(err); got != ExitCodeConfig {
		t.Errorf("ExitCodeForError(%v) = %d, want %d", err, got, ExitCodeConfig)
	}
	if h.count() != 0 {
		t.Errorf("harvester called %d times", h.count())
	}
}

func TestExecute_InvalidDateRangeTouchesNothing(t *testing.T) {
	reg, _ := openRegistry(t, source("a", "u"))
	h := &fakeHarvester{}
	cfg := newConfig(t, reg, h, &upload.StubSink{})
	from := time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg.Override = scheduler.Override{DateRange: &types.HarvestWindow{From: &from, Until: &until}}

	orch, err := NewRunOrchestrator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = orch.Execute(context.Background())
	var cfgErr *types.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Execute() error = %v, want ConfigurationError", err)
	}
	if h.count() != 0 {
		t.Errorf("harvester called %d times", h.count())
	}
}

func TestExecute_SkipsSourcesNotDue(t *testing.T) {
	never := source("never", "u")
	never.FrequencyHours = 0
	recent := source("recent", "u")
	last := testNow.Add(-time.Hour)
	recent.LastRun = &last
	reg, _ := openRegistry(t, never, recent)
	h := &fakeHarvester{}
	cfg := newConfig(t, reg, h, &upload.StubSink{})

	res := execute(t, cfg)

	for _, o := range res.Outcomes {
		if !o.Skipped {
			t.Errorf("%s not skipped", o.Source)
		}
	}
	if h.count() != 0 {
		t.Errorf("harvester called %d times", h.count())
	}
	if !res.Verdict.Success || res.PolicyStats.Skipped != 2 {
		t.Errorf("Verdict = %+v, stats = %+v", res.Verdict, res.PolicyStats)
	}
	if !strings.Contains(outcomeOfSource(t, res, "recent").SkipReason, "next due") {
		t.Errorf("SkipReason = %q", outcomeOfSource(t, res, "recent").SkipReason)
	}
}

func TestExecute_IdentifierOverrideNeverAdvancesLastRun(t *testing.T) {
	reg, _ := openRegistry(t, source("arxiv", "u"))
	h := &fakeHarvester{pages: map[string][]string{"https://arxiv.example.org/oai2d": {page("oai:a:7")}}}
	sink := &upload.StubSink{}
	cfg := newConfig(t, reg, h, sink)
	cfg.Override = scheduler.Override{Identifiers: []string{"oai:a:7", "oai:a:8"}}

	res := execute(t, cfg)

	if len(h.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(h.requests))
	}
	for i, req := range h.requests {
		if req.Verb != oai.VerbGetRecord || req.Identifier != cfg.Override.Identifiers[i] {
			t.Errorf("request %d = %+v", i, req)
		}
	}
	o := outcomeOfSource(t, res, "arxiv")
	if o.LastRunAdvanced {
		t.Error("manual harvest advanced lastrun")
	}
	// both GetRecord answers carry oai:a:7; dedupe keeps one
	if o.Harvested != 1 || sink.Len() != 1 {
		t.Errorf("Harvested = %d, submissions = %d, want 1 and 1", o.Harvested, sink.Len())
	}
}

func TestExecute_ArchivesChunksAndFilesReports(t *testing.T) {
	reg, _ := openRegistry(t, source("arxiv", "u"))
	h := &fakeHarvester{pages: map[string][]string{"https://arxiv.example.org/oai2d": {page("oai:a:1", "oai:a:2"), page("oai:a:3")}}}
	archive := lode.NewStubClient()
	tickets := &ticketRecorder{}
	cfg := newConfig(t, reg, h, &upload.StubSink{})
	cfg.Archive = archive
	cfg.Tickets = tickets
	cfg.ReportQueue = "oai-reports"

	execute(t, cfg)

	if len(archive.Chunks) != 2 {
		t.Fatalf("archived chunks = %d, want 2", len(archive.Chunks))
	}
	if c := archive.Chunks[0]; c.Name != "chunk1.xml" || c.Records != 2 || c.Source != "arxiv" {
		t.Errorf("chunk record = %+v", c)
	}
	if _, ok := archive.Files["arxiv/chunk2.xml"]; !ok {
		t.Errorf("archived files = %v", archive.Files)
	}
	if len(tickets.subjects) != 1 || !strings.Contains(tickets.subjects[0], "arxiv") {
		t.Errorf("ticket subjects = %v", tickets.subjects)
	}
	if len(tickets.comments) != 1 || !strings.Contains(tickets.comments[0], "Uploaded: 3") {
		t.Errorf("ticket comments = %v", tickets.comments)
	}
}

func TestExecute_WorkDirRemovedUnlessKept(t *testing.T) {
	reg, _ := openRegistry(t, source("arxiv", "u"))
	h := &fakeHarvester{pages: map[string][]string{"https://arxiv.example.org/oai2d": {page("oai:a:1")}}}

	cfg := newConfig(t, reg, h, &upload.StubSink{})
	execute(t, cfg)
	if _, err := os.Stat(filepath.Join(cfg.WorkDir, "run-1", "arxiv")); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}

	cfg = newConfig(t, reg, h, &upload.StubSink{})
	cfg.Override = scheduler.Override{Identifiers: []string{"oai:a:1"}}
	cfg.KeepWorkDir = true
	execute(t, cfg)
	if _, err := os.Stat(filepath.Join(cfg.WorkDir, "run-1", "arxiv", "record1_1.xml")); err != nil {
		t.Errorf("kept chunk missing: %v", err)
	}
}

func TestExecute_StopBeforeFirstSource(t *testing.T) {
	reg, _ := openRegistry(t, source("a", "u"), source("b", "u"))
	h := &fakeHarvester{}
	cfg := newConfig(t, reg, h, &upload.StubSink{})
	cfg.Supervisor = NewSupervisor(nil)
	cfg.Supervisor.Stop()

	res := execute(t, cfg)

	if !res.Stopped || len(res.Outcomes) != 0 {
		t.Errorf("Stopped = %v, outcomes = %d", res.Stopped, len(res.Outcomes))
	}
	if got := ExitCode(res); got != ExitCodeStopped {
		t.Errorf("ExitCode = %d, want %d", got, ExitCodeStopped)
	}
	if h.count() != 0 {
		t.Errorf("harvester called %d times", h.count())
	}
}

func TestExecute_StopBetweenStagesIsNotCountedOK(t *testing.T) {
	reg, _ := openRegistry(t, source("a", "cru"), source("b", "u"))
	h := &fakeHarvester{pages: map[string][]string{
		"https://a.example.org/oai2d": {page("oai:a:1", "oai:a:2")},
		"https://b.example.org/oai2d": {page("oai:b:1")},
	}}
	sink := &upload.StubSink{}
	cfg := newConfig(t, reg, h, sink)
	cfg.Supervisor = NewSupervisor(nil)
	cfg.Pipeline = pipeline.NewWithStages(stoppingStage{supervisor: cfg.Supervisor}, recordErrorStage{})

	res := execute(t, cfg)

	if !res.Stopped || len(res.Outcomes) != 1 {
		t.Fatalf("Stopped = %v, outcomes = %d", res.Stopped, len(res.Outcomes))
	}
	o := res.Outcomes[0]
	if !o.Stopped || o.Level != types.LevelNone || o.LastRunAdvanced {
		t.Errorf("outcome = %+v", o)
	}
	if o.Uploaded != 0 || len(sink.Submissions) != 0 {
		t.Errorf("uploaded = %d, submissions = %d", o.Uploaded, len(sink.Submissions))
	}
	s := res.PolicyStats
	if s.OK != 0 || s.Stopped != 1 || s.Sources != 1 {
		t.Errorf("PolicyStats = %+v, want 0 ok and 1 stopped", s)
	}
	if !strings.Contains(res.Verdict.Reason, "1 stopped") {
		t.Errorf("Reason = %q", res.Verdict.Reason)
	}
	if got := ExitCode(res); got != ExitCodeStopped {
		t.Errorf("ExitCode = %d, want %d", got, ExitCodeStopped)
	}
}

func TestNewRunOrchestrator_Validation(t *testing.T) {
	reg, _ := openRegistry(t)
	base := func() *RunConfig { return newConfig(t, reg, &fakeHarvester{}, &upload.StubSink{}) }

	tests := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"no run meta", func(c *RunConfig) { c.RunMeta = nil }},
		{"bad attempt", func(c *RunConfig) { c.RunMeta = &types.RunMeta{RunID: "r", Attempt: 0} }},
		{"no registry", func(c *RunConfig) { c.Registry = nil }},
		{"no harvester", func(c *RunConfig) { c.Harvester = nil }},
		{"no sink", func(c *RunConfig) { c.Sink = nil }},
		{"no workdir", func(c *RunConfig) { c.WorkDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if _, err := NewRunOrchestrator(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
