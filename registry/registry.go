// Package registry persists the configured OAI-PMH sources and the upload
// audit log in a SQLite database.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/pithecene-io/oaiharvest/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS oai_sources (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	name                TEXT    NOT NULL UNIQUE,
	base_url            TEXT    NOT NULL,
	metadata_prefix     TEXT    NOT NULL,
	arguments           TEXT    NOT NULL DEFAULT '{}',
	comment             TEXT    NOT NULL DEFAULT '',
	conversion_template TEXT    NOT NULL DEFAULT '',
	lastrun             TEXT,
	frequency_hours     INTEGER NOT NULL DEFAULT 0,
	postprocess         TEXT    NOT NULL DEFAULT '',
	set_specs           TEXT    NOT NULL DEFAULT '',
	filter_program      TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS oai_harvest_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id       INTEGER NOT NULL REFERENCES oai_sources(id),
	oai_identifier  TEXT    NOT NULL,
	harvested_at    TEXT    NOT NULL,
	job_id          TEXT    NOT NULL,
	run_id          TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS oai_harvest_log_identifier ON oai_harvest_log(oai_identifier);
`

// timeLayout stores timestamps as sortable UTC text.
const timeLayout = time.RFC3339

// ErrSourceNotFound is returned when a source id or name is unknown.
var ErrSourceNotFound = errors.New("source not found")

// Registry is the SQLite-backed source registry.
type Registry struct {
	db *sql.DB
}

// Open opens or creates the registry at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

const sourceColumns = `id, name, base_url, metadata_prefix, arguments, comment,
	conversion_template, lastrun, frequency_hours, postprocess, set_specs, filter_program`

// Sources loads every source ordered by id. Any invalid row fails the load
// with a ConfigurationError.
func (r *Registry) Sources(ctx context.Context) ([]types.Source, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM oai_sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	return out, nil
}

// SourcesByName loads the named sources in the given order. An unknown name
// is a ConfigurationError.
func (r *Registry) SourcesByName(ctx context.Context, names []string) ([]types.Source, error) {
	all, err := r.Sources(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]types.Source, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	var (
		out     []types.Source
		unknown []string
	)
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, s)
	}
	if len(unknown) > 0 {
		known := make([]string, 0, len(all))
		for _, s := range all {
			known = append(known, s.Name)
		}
		sort.Strings(known)
		return nil, &types.ConfigurationError{Msg: fmt.Sprintf("unknown source(s) %s; configured: %s",
			strings.Join(unknown, ", "), strings.Join(known, ", "))}
	}
	return out, nil
}

// Source loads one source by id.
func (r *Registry) Source(ctx context.Context, id int64) (types.Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM oai_sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Source{}, fmt.Errorf("source %d: %w", id, ErrSourceNotFound)
	}
	return src, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (types.Source, error) {
	var (
		src              types.Source
		args, mode, sets string
		lastrun          sql.NullString
	)
	err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &src.MetadataPrefix, &args, &src.Comment,
		&src.ConversionTemplate, &lastrun, &src.FrequencyHours, &mode, &sets, &src.FilterProgram)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Source{}, err
		}
		return types.Source{}, fmt.Errorf("scan source: %w", err)
	}

	if args != "" {
		if err := json.Unmarshal([]byte(args), &src.Arguments); err != nil {
			return types.Source{}, &types.ConfigurationError{Msg: fmt.Sprintf("source %q has invalid arguments", src.Name), Err: err}
		}
	}
	if lastrun.Valid && lastrun.String != "" {
		t, err := time.Parse(timeLayout, lastrun.String)
		if err != nil {
			return types.Source{}, &types.ConfigurationError{Msg: fmt.Sprintf("source %q has invalid lastrun", src.Name), Err: err}
		}
		src.LastRun = &t
	}
	src.Postprocess, err = types.ParsePostprocessMode(mode)
	if err != nil {
		return types.Source{}, &types.ConfigurationError{Msg: fmt.Sprintf("source %q", src.Name), Err: err}
	}
	src.SetSpecs = types.ParseSetSpecs(sets)

	if err := src.Validate(); err != nil {
		return types.Source{}, &types.ConfigurationError{Msg: "invalid registry row", Err: err}
	}
	return src, nil
}

// Upsert inserts a source or updates the row with the same name. LastRun is
// written only when set, so re-importing never rewinds harvest state.
func (r *Registry) Upsert(ctx context.Context, src types.Source) (int64, error) {
	if err := src.Validate(); err != nil {
		return 0, &types.ConfigurationError{Msg: "invalid source", Err: err}
	}
	args, err := json.Marshal(src.Arguments)
	if err != nil {
		return 0, fmt.Errorf("encode arguments: %w", err)
	}
	if src.Arguments == nil {
		args = []byte("{}")
	}
	var lastrun any
	if src.LastRun != nil {
		lastrun = src.LastRun.UTC().Format(timeLayout)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO oai_sources (name, base_url, metadata_prefix, arguments, comment,
			conversion_template, lastrun, frequency_hours, postprocess, set_specs, filter_program)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			base_url = excluded.base_url,
			metadata_prefix = excluded.metadata_prefix,
			arguments = excluded.arguments,
			comment = excluded.comment,
			conversion_template = excluded.conversion_template,
			lastrun = COALESCE(excluded.lastrun, oai_sources.lastrun),
			frequency_hours = excluded.frequency_hours,
			postprocess = excluded.postprocess,
			set_specs = excluded.set_specs,
			filter_program = excluded.filter_program
		RETURNING id`,
		src.Name, src.BaseURL, src.MetadataPrefix, string(args), src.Comment,
		src.ConversionTemplate, lastrun, src.FrequencyHours, src.Postprocess.String(),
		strings.Join(src.SetSpecs, " "), src.FilterProgram,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert source %q: %w", src.Name, err)
	}
	return id, nil
}

// UpdateLastRun records a successful automatic harvest of a source.
func (r *Registry) UpdateLastRun(ctx context.Context, id int64, t time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE oai_sources SET lastrun = ? WHERE id = ?`,
		t.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update lastrun of source %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update lastrun of source %d: %w", id, ErrSourceNotFound)
	}
	return nil
}
