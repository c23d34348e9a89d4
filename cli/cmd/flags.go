// Package cmd provides CLI commands for the oaiharvest binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for the report command.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (report only)",
	}
)

// ConfigFlag points at an oaiharvest.yaml file.
func ConfigFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to oaiharvest.yaml",
		EnvVars: []string{"OAIHARVEST_CONFIG"},
	}
}

// RegistryFlag overrides the registry database of the config file.
func RegistryFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "registry",
		Usage:   "Path to the SQLite source registry (default: oaiharvest.db)",
		EnvVars: []string{"OAIHARVEST_REGISTRY"},
	}
}

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// registryFlags are the read-only flags plus config and registry selection.
func registryFlags() []cli.Flag {
	return append([]cli.Flag{ConfigFlag(), RegistryFlag()}, ReadOnlyFlags()...)
}
