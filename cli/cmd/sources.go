package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/cli/render"
	"github.com/pithecene-io/oaiharvest/registry"
	"github.com/pithecene-io/oaiharvest/runtime"
	"github.com/pithecene-io/oaiharvest/scheduler"
	"github.com/pithecene-io/oaiharvest/types"
)

// SourceRow is one line of the sources listing.
type SourceRow struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	BaseURL        string     `json:"baseurl"`
	MetadataPrefix string     `json:"metadataprefix"`
	Frequency      int        `json:"frequency_hours"`
	Postprocess    string     `json:"postprocess"`
	Sets           []string   `json:"sets"`
	LastRun        *time.Time `json:"lastrun"`
	Due            string     `json:"due"`
}

// SourcesCommand returns the read-only sources listing.
func SourcesCommand() *cli.Command {
	return &cli.Command{
		Name:   "sources",
		Usage:  "List configured sources and whether they are due",
		Flags:  registryFlags(),
		Action: sourcesAction,
	}
}

func sourcesAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for sources command", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := openRegistry(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	sources, err := reg.Sources(c.Context)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	return r.Render(sourceRows(sources, time.Now()))
}

func sourceRows(sources []types.Source, now time.Time) []SourceRow {
	rows := make([]SourceRow, 0, len(sources))
	for _, s := range sources {
		rows = append(rows, SourceRow{
			ID:             s.ID,
			Name:           s.Name,
			BaseURL:        s.BaseURL,
			MetadataPrefix: s.MetadataPrefix,
			Frequency:      s.FrequencyHours,
			Postprocess:    s.Postprocess.String(),
			Sets:           s.SetSpecs,
			LastRun:        s.LastRun,
			Due:            dueLabel(scheduler.Decide(s, scheduler.Override{}, now)),
		})
	}
	return rows
}

func dueLabel(d scheduler.Decision) string {
	switch {
	case d.Due:
		return string(d.Reason)
	case d.NextDue != nil:
		return "next " + d.NextDue.UTC().Format(time.RFC3339)
	default:
		return string(d.Reason)
	}
}

// ImportCommand returns the import command, which seeds the registry from a
// YAML source file.
func ImportCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Create or update sources from a YAML seed file",
		Flags: []cli.Flag{
			ConfigFlag(),
			RegistryFlag(),
			&cli.StringFlag{
				Name:     "file",
				Usage:    "Seed file (sources: [...])",
				Required: true,
			},
		},
		Action: importAction,
	}
}

func importAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	f, err := os.Open(c.String("file"))
	if err != nil {
		return configExit(err)
	}
	defer func() { _ = f.Close() }()

	reg, err := openRegistry(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	n, err := reg.Import(c.Context, f)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeForError(err))
	}
	fmt.Fprintf(c.App.Writer, "imported %d source(s) into %s\n", n, registryPath(c, cfg))
	return nil
}

// AuditCommand returns the read-only audit log listing of one source.
func AuditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Show the uploaded records of a source",
		Flags: append(registryFlags(), &cli.StringFlag{
			Name:     "source",
			Aliases:  []string{"r"},
			Usage:    "Source name",
			Required: true,
		}),
		Action: auditAction,
	}
}

func auditAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for audit command", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := openRegistry(c, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	sources, err := reg.SourcesByName(c.Context, []string{c.String("source")})
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeForError(err))
	}
	entries, err := reg.AuditLog(c.Context, sources[0].ID)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	if entries == nil {
		entries = []registry.AuditEntry{}
	}
	return r.Render(entries)
}
