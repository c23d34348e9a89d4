package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/adapter/webhook"
	"github.com/pithecene-io/oaiharvest/cli/config"
	"github.com/pithecene-io/oaiharvest/lode"
	"github.com/pithecene-io/oaiharvest/registry"
	"github.com/pithecene-io/oaiharvest/runtime"
	"github.com/pithecene-io/oaiharvest/scheduler"
	"github.com/pithecene-io/oaiharvest/ticket"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/upload"
)

// testApp runs commands in-process. Exit codes are returned instead of
// terminating the test binary.
func testApp(out *bytes.Buffer) *cli.App {
	return &cli.App{
		Name:           "oaiharvest",
		Writer:         out,
		ErrWriter:      out,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			RunCommand(),
			GetCommand(),
			SourcesCommand(),
			ImportCommand(),
			AuditCommand(),
			JobsCommand(),
			ReportCommand(),
			VersionCommand("test"),
		},
	}
}

// exitCode maps an app.Run error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func hasFlag(flags []cli.Flag, name string) bool {
	for _, f := range flags {
		if f.Names()[0] == name {
			return true
		}
	}
	return false
}

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	if !hasFlag(ReadOnlyFlags(), "tui") {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestRegistryFlags_IncludeConfigAndRegistry(t *testing.T) {
	flags := registryFlags()
	for _, name := range []string{"config", "registry", "format", "no-color", "tui"} {
		if !hasFlag(flags, name) {
			t.Errorf("registryFlags missing --%s", name)
		}
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"metadataPrefix=marcxml", "set=physics", "set=math", "from="})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if params.Get("metadataPrefix") != "marcxml" || len(params["set"]) != 2 {
		t.Errorf("params = %v", params)
	}
	if _, ok := params["from"]; !ok {
		t.Error("empty value dropped")
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) error = nil", bad)
		}
	}
}

func TestParseOverride(t *testing.T) {
	o, err := parseOverride("2021-01-01:2021-01-31", []string{"oai:arXiv.org:1"})
	if err != nil {
		t.Fatalf("parseOverride: %v", err)
	}
	if o.DateRange == nil || o.DateRange.From == nil || o.DateRange.Until == nil {
		t.Fatalf("date range = %+v", o.DateRange)
	}
	if !o.Manual() || len(o.Identifiers) != 1 {
		t.Errorf("override = %+v", o)
	}

	empty, err := parseOverride("", nil)
	if err != nil || empty.Manual() {
		t.Errorf("empty override = %+v, %v", empty, err)
	}

	if _, err := parseOverride("2021-13-01:", nil); err == nil {
		t.Error("expected error for invalid month")
	}
}

func TestSourceRows_DueLabels(t *testing.T) {
	now := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	sources := []types.Source{
		{ID: 1, Name: "fresh", FrequencyHours: 24, Postprocess: types.MustPostprocessMode("u")},
		{ID: 2, Name: "manual", FrequencyHours: 0},
		{ID: 3, Name: "recent", FrequencyHours: 24, LastRun: &recent, SetSpecs: []string{"physics"}},
	}

	rows := sourceRows(sources, now)
	if len(rows) != 3 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Due != string(scheduler.ReasonFirstRun) || rows[0].Postprocess != "u" {
		t.Errorf("fresh row = %+v", rows[0])
	}
	if rows[1].Due != string(scheduler.ReasonNever) {
		t.Errorf("manual row due = %q", rows[1].Due)
	}
	if rows[2].Due != "next 2021-01-02T23:00:00Z" || rows[2].Sets[0] != "physics" {
		t.Errorf("recent row = %+v", rows[2])
	}
}

func TestBuildSink(t *testing.T) {
	cfg := &config.Config{}
	if _, err := buildSink(cfg, nil, nil); err == nil {
		t.Error("lode sink without storage should fail")
	}
	sink, err := buildSink(cfg, lode.NewStubClient(), nil)
	if err != nil {
		t.Fatalf("buildSink(lode): %v", err)
	}
	if _, ok := sink.(*upload.LodeSink); !ok {
		t.Errorf("sink = %T, want *upload.LodeSink", sink)
	}

	cfg.Upload.Sink = "command"
	cfg.Tools.Uploader = []string{"uploader", "{file}"}
	sink, err = buildSink(cfg, nil, nil)
	if err != nil {
		t.Fatalf("buildSink(command): %v", err)
	}
	if cs, ok := sink.(*upload.CommandSink); !ok || cs.Argv[0] != "uploader" {
		t.Errorf("sink = %#v", sink)
	}

	cfg.Upload.Sink = "ftp"
	if _, err := buildSink(cfg, nil, nil); err == nil {
		t.Error("unknown sink should fail")
	}
}

func TestBuildAdapter(t *testing.T) {
	a, err := buildAdapter(config.AdapterConfig{})
	if err != nil || a != nil {
		t.Errorf("no adapter configured: got %v, %v", a, err)
	}

	a, err = buildAdapter(config.AdapterConfig{Type: "webhook", URL: "http://localhost/hook"})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if _, ok := a.(*webhook.Adapter); !ok {
		t.Errorf("adapter = %T", a)
	}

	zero := 0
	a, err = buildAdapter(config.AdapterConfig{Type: "redis", URL: "redis://localhost:6379/0", Retries: &zero})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	_ = a.Close()

	if _, err := buildAdapter(config.AdapterConfig{Type: "webhook"}); err == nil {
		t.Error("webhook without URL should fail")
	}
}

func TestBuildTickets(t *testing.T) {
	sub, closeFn, err := buildTickets(config.TicketConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sub.(ticket.Nop); !ok {
		t.Errorf("submitter = %T, want ticket.Nop", sub)
	}
	if err := closeFn(); err != nil {
		t.Error(err)
	}

	sub, closeFn, err = buildTickets(config.TicketConfig{URL: "http://rt.example.org/api"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sub.(*ticket.Client); !ok {
		t.Errorf("submitter = %T, want *ticket.Client", sub)
	}
	_ = closeFn()
}

func TestStorageBackendAndDefaults(t *testing.T) {
	if got := storageBackend(config.StorageConfig{}); got != "fs" {
		t.Errorf("default backend = %q", got)
	}
	if got := storageBackend(config.StorageConfig{Backend: "S3"}); got != "s3" {
		t.Errorf("backend = %q", got)
	}
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty = %q", got)
	}
	three := 3
	if intOr(nil, 7) != 7 || intOr(&three, 7) != 3 {
		t.Error("intOr")
	}
}

func TestSummarize(t *testing.T) {
	report := &runtime.RunReport{
		RunID:   "run-7",
		Attempt: 2,
		Outcome: "failure",
		Policy:  &runtime.ReportPolicy{Name: "halt"},
		Sources: []types.SourceOutcome{{Source: "a"}, {Source: "b"}},
	}
	report.Policy.Verdict.Reason = "1 fatal"
	s := summarize(report)
	if s.RunID != "run-7" || s.Policy != "halt" || s.Reason != "1 fatal" || s.Sources != 2 {
		t.Errorf("summary = %+v", s)
	}
	if got := summarize(&runtime.RunReport{RunID: "x"}); got.Policy != "" {
		t.Errorf("summary without policy = %+v", got)
	}
}

func TestJobRows(t *testing.T) {
	at := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	rows := jobRows([]lode.JobRecord{{JobID: "j1", Source: "arxiv", Mode: "insert", Records: 3, SubmittedAt: at}})
	if len(rows) != 1 || rows[0].JobID != "j1" || rows[0].Records != 3 || !rows[0].SubmittedAt.Equal(at) {
		t.Errorf("rows = %+v", rows)
	}
}

func TestPrintRunResult(t *testing.T) {
	var buf bytes.Buffer
	printRunResult(&buf, &runtime.RunResult{
		RunMeta:    &types.RunMeta{RunID: "run-1", Attempt: 1},
		PolicyName: "halt",
		Outcomes: []types.SourceOutcome{
			{Source: "arxiv", Harvested: 2, Uploaded: 2, LastRunAdvanced: true},
			{Source: "cds", Level: types.LevelFatal, Messages: []string{"harvest: connection refused"}},
			{Source: "never", Skipped: true, SkipReason: "frequency is never"},
		},
	})
	out := buf.String()
	for _, want := range []string{"run_id=run-1", "verdict=failure", "lastrun=advanced", "fatal", "connection refused", "skipped"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// oaiRepo serves one ListRecords page.
func oaiRepo(ids ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
		b.WriteString(`<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><responseDate>2021-01-01T00:00:00Z</responseDate><ListRecords>`)
		for _, id := range ids {
			fmt.Fprintf(&b, `<record><header><identifier>%s</identifier></header><metadata><dc>%s</dc></metadata></record>`, id, id)
		}
		b.WriteString(`</ListRecords></OAI-PMH>`)
		_, _ = w.Write([]byte(b.String()))
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestImportThenRun(t *testing.T) {
	srv := httptest.NewServer(oaiRepo("oai:arXiv.org:1", "oai:arXiv.org:2"))
	defer srv.Close()

	dir := t.TempDir()
	db := filepath.Join(dir, "registry.db")
	workDir := filepath.Join(dir, "work")
	seed := filepath.Join(dir, "sources.yaml")
	writeFile(t, seed, fmt.Sprintf(`sources:
  - name: arxiv
    base_url: %s
    metadata_prefix: marcxml
    frequency_hours: 24
    postprocess: u
`, srv.URL))

	var out bytes.Buffer
	app := testApp(&out)
	if err := app.Run([]string{"oaiharvest", "import", "--registry", db, "--file", seed}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out.String(), "imported 1 source(s)") {
		t.Errorf("import output = %q", out.String())
	}

	reportPath := filepath.Join(dir, "report.json")
	err := app.Run([]string{"oaiharvest", "run", "--registry", db, "--workdir", workDir,
		"--run-id", "run-e2e", "--once", "--quiet", "--report", reportPath})
	if code := exitCode(err); code != runtime.ExitCodeSuccess {
		t.Fatalf("run exit code = %d (%v)", code, err)
	}

	reg, err := registry.Open(db)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reg.Close() }()
	sources, err := reg.SourcesByName(context.Background(), []string{"arxiv"})
	if err != nil {
		t.Fatal(err)
	}
	if sources[0].LastRun == nil {
		t.Error("lastrun not advanced after a clean run")
	}
	audit, err := reg.AuditLog(context.Background(), sources[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 2 || audit[0].RunID != "run-e2e" {
		t.Errorf("audit = %+v", audit)
	}

	report, err := runtime.ReadRunReport(reportPath)
	if err != nil {
		t.Fatalf("ReadRunReport: %v", err)
	}
	if report.Outcome != "success" || len(report.Sources) != 1 || report.Sources[0].Harvested != 2 {
		t.Errorf("report = %+v", report)
	}

	ds, err := lode.NewReadDatasetFS("", filepath.Join(workDir, "lode"))
	if err != nil {
		t.Fatal(err)
	}
	jobs, err := lode.QueryJobs(context.Background(), ds, lode.JobFilter{RunID: "run-e2e"})
	if err != nil {
		t.Fatalf("QueryJobs: %v", err)
	}
	if len(jobs) == 0 {
		t.Error("no upload job recorded")
	}
}

func TestRun_ConfigurationErrors(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "registry.db")
	seed := filepath.Join(dir, "sources.yaml")
	writeFile(t, seed, "sources:\n  - name: arxiv\n    base_url: https://arxiv.org/oai2d\n    metadata_prefix: marcxml\n    frequency_hours: 24\n")

	var out bytes.Buffer
	app := testApp(&out)
	if err := app.Run([]string{"oaiharvest", "import", "--registry", db, "--file", seed}); err != nil {
		t.Fatalf("import: %v", err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"unknown source", []string{"--source", "nope"}},
		{"invalid dates", []string{"--dates", "yesterday"}},
		{"invalid policy", []string{"--policy", "ignore"}},
		{"retry without parent", []string{"--attempt", "2"}},
		{"missing config file", []string{"--config", filepath.Join(dir, "missing.yaml")}},
		{"invalid report format", []string{"--report-format", "toml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"oaiharvest", "run", "--registry", db, "--workdir", filepath.Join(dir, "work"), "--quiet"}, tt.args...)
			if code := exitCode(app.Run(args)); code != runtime.ExitCodeConfig {
				t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeConfig)
			}
		})
	}
}

func TestImport_InvalidSeedIsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "sources.yaml")
	writeFile(t, seed, "sources:\n  - name: broken\n    postprocess: zz\n")

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"oaiharvest", "import", "--registry", filepath.Join(dir, "r.db"), "--file", seed})
	if code := exitCode(err); code != runtime.ExitCodeConfig {
		t.Errorf("exit code = %d, want %d (%v)", code, runtime.ExitCodeConfig, err)
	}
}

func TestReport_RequiresOneFile(t *testing.T) {
	var out bytes.Buffer
	err := testApp(&out).Run([]string{"oaiharvest", "report"})
	if code := exitCode(err); code != runtime.ExitCodeConfig {
		t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeConfig)
	}
}

func TestGet_WritesRawResponse(t *testing.T) {
	srv := httptest.NewServer(oaiRepo("oai:arXiv.org:1"))
	defer srv.Close()

	output := filepath.Join(t.TempDir(), "out.xml")
	var out bytes.Buffer
	err := testApp(&out).Run([]string{"oaiharvest", "get", "--url", srv.URL, "--verb", "ListRecords",
		"--param", "metadataPrefix=marcxml", "--output", output})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "oai:arXiv.org:1") {
		t.Errorf("response = %s", data)
	}
}
