package registry

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/oaiharvest/types"
)

// SeedFile is the YAML layout accepted by Import.
type SeedFile struct {
	Sources []SeedSource `yaml:"sources"`
}

// SeedSource is one source entry of a seed file.
type SeedSource struct {
	Name               string            `yaml:"name"`
	BaseURL            string            `yaml:"base_url"`
	MetadataPrefix     string            `yaml:"metadata_prefix"`
	Arguments          map[string]string `yaml:"arguments"`
	Comment            string            `yaml:"comment"`
	ConversionTemplate string            `yaml:"conversion_template"`
	FrequencyHours     int               `yaml:"frequency_hours"`
	Postprocess        string            `yaml:"postprocess"`
	SetSpecs           string            `yaml:"set_specs"`
	FilterProgram      string            `yaml:"filter_program"`
	LastRun            string            `yaml:"lastrun"`
}

func (s SeedSource) source() (types.Source, error) {
	mode, err := types.ParsePostprocessMode(s.Postprocess)
	if err != nil {
		return types.Source{}, err
	}
	src := types.Source{
		Name:               s.Name,
		BaseURL:            s.BaseURL,
		MetadataPrefix:     s.MetadataPrefix,
		Arguments:          s.Arguments,
		Comment:            s.Comment,
		ConversionTemplate: s.ConversionTemplate,
		FrequencyHours:     s.FrequencyHours,
		Postprocess:        mode,
		SetSpecs:           types.ParseSetSpecs(s.SetSpecs),
		FilterProgram:      s.FilterProgram,
	}
	if s.LastRun != "" {
		t, err := parseSeedTime(s.LastRun)
		if err != nil {
			return types.Source{}, fmt.Errorf("lastrun: %w", err)
		}
		src.LastRun = &t
	}
	return src, nil
}

func parseSeedTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(types.DateLayout, v)
}

// Import reads a YAML seed file and upserts every source by name. It
// validates the whole file before writing anything.
func (r *Registry) Import(ctx context.Context, in io.Reader) (int, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(in)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return 0, &types.ConfigurationError{Msg: "parse seed file", Err: err}
	}

	sources := make([]types.Source, 0, len(seed.Sources))
	seen := make(map[string]bool, len(seed.Sources))
	for i, s := range seed.Sources {
		src, err := s.source()
		if err != nil {
			return 0, &types.ConfigurationError{Msg: fmt.Sprintf("sources[%d] %q", i, s.Name), Err: err}
		}
		if err := src.Validate(); err != nil {
			return 0, &types.ConfigurationError{Msg: fmt.Sprintf("sources[%d]", i), Err: err}
		}
		if seen[src.Name] {
			return 0, &types.ConfigurationError{Msg: fmt.Sprintf("sources[%d]: duplicate name %q", i, src.Name)}
		}
		seen[src.Name] = true
		sources = append(sources, src)
	}

	for _, src := range sources {
		if _, err := r.Upsert(ctx, src); err != nil {
			return 0, err
		}
	}
	return len(sources), nil
}
