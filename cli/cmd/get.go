package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/oai"
	"github.com/pithecene-io/oaiharvest/runtime"
)

// GetCommand returns the get command: a single raw OAI-PMH request, written
// verbatim. It never touches the registry.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Issue one OAI-PMH request and print the raw response",
		Flags: []cli.Flag{
			ConfigFlag(),
			&cli.StringFlag{
				Name:     "url",
				Usage:    "Repository base URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "verb",
				Usage: "OAI-PMH verb (Identify, ListRecords, GetRecord, ...)",
				Value: "Identify",
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Request parameter key=value (repeatable)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the response to this file instead of stdout",
			},
			&cli.StringFlag{
				Name:  "method",
				Usage: "HTTP method: GET or POST (overrides harvest.method)",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "HTTP basic auth user",
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "HTTP basic auth password",
				EnvVars: []string{"OAIHARVEST_PASSWORD"},
			},
			&cli.StringFlag{
				Name:  "cert",
				Usage: "TLS client certificate file",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "TLS client key file",
			},
		},
		Action: getAction,
	}
}

func getAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return configExit(err)
	}

	oc := harvesterConfig(cfg.Harvest)
	oc.Method = firstNonEmpty(c.String("method"), oc.Method)
	oc.User = c.String("user")
	oc.Password = c.String("password")
	oc.CertFile = c.String("cert")
	oc.KeyFile = c.String("key")

	client, err := oai.New(oc, log.Nop(), nil)
	if err != nil {
		return configExit(err)
	}
	defer func() { _ = client.Close() }()

	var out io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("create %s: %v", path, err), runtime.ExitCodeFailure)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	if err := client.Get(context.Background(), c.String("url"), c.String("verb"), params, out); err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeForError(err))
	}
	return nil
}

// parseParams splits key=value pairs. A repeated key keeps every value.
func parseParams(pairs []string) (url.Values, error) {
	params := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		params.Add(k, v)
	}
	return params, nil
}
