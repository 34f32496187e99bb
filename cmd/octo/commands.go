package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vader-pepe/octo-potato/internal/app"
	"github.com/vader-pepe/octo-potato/internal/config"
	"github.com/vader-pepe/octo-potato/internal/logging"
	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/pipeline"
	"github.com/vader-pepe/octo-potato/internal/vault"
)

func newCLI() *cli.App {
	return &cli.App{
		Name:    "octo",
		Usage:   "store large files as chunks behind a webhook",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"OCTO_CONFIG"}},
			&cli.StringFlag{Name: "db", Usage: "metadata database path"},
			&cli.StringFlag{Name: "db-driver", Usage: "sqlite or mysql"},
			&cli.StringFlag{Name: "endpoint", Usage: "webhook, minio or local"},
			&cli.StringFlag{Name: "webhook", Usage: "upload webhook URL"},
			&cli.StringFlag{Name: "blob-path", Usage: "blob directory for the local endpoint"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create the metadata schema",
				Action: withVault(func(c *cli.Context, v *vault.Vault) error {
					fmt.Fprintln(c.App.Writer, "metadata store ready")
					return nil
				}),
			},
			{
				Name:      "ingest",
				Aliases:   []string{"put"},
				Usage:     "split a local file into chunks and upload them",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "chunk-size", Usage: "chunk size in bytes"},
					&cli.StringFlag{Name: "dir", Usage: "directory id"},
				},
				Action: withVault(ingest),
			},
			{
				Name:  "list",
				Usage: "list stored files",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Usage: "directory id"},
				},
				Action: withVault(list),
			},
			{
				Name:      "export",
				Aliases:   []string{"get"},
				Usage:     "reassemble a file to a path, or to stdout with -",
				ArgsUsage: "<file-id> <path|->",
				Action:    withVault(export),
			},
			{
				Name:      "stream",
				Usage:     "reassemble a file to stdout",
				ArgsUsage: "<file-id>",
				Action:    withVault(stream),
			},
			{
				Name:      "verify",
				Usage:     "download and check every chunk of a file",
				ArgsUsage: "<file-id>",
				Action:    withVault(verify),
			},
			{
				Name:      "rm",
				Usage:     "remove a file from the index",
				ArgsUsage: "<file-id>",
				Action:    withVault(remove),
			},
			{
				Name:  "purge",
				Usage: "abort ingests that never completed",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Value: time.Hour, Usage: "minimum age of a pending ingest"},
				},
				Action: withVault(purge),
			},
			{
				Name:      "mkdir",
				Usage:     "create a directory",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "parent", Usage: "parent directory id"},
				},
				Action: withVault(mkdir),
			},
			{
				Name:  "dirs",
				Usage: "list directories",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "parent", Usage: "parent directory id"},
				},
				Action: withVault(dirs),
			},
			{
				Name:      "mv",
				Usage:     "move a file into a directory; an empty directory id moves it to the root",
				ArgsUsage: "<file-id> <directory-id>",
				Action:    withVault(move),
			},
			{
				Name:      "mvdir",
				Usage:     "reparent a directory; an empty parent id moves it to the root",
				ArgsUsage: "<directory-id> <parent-id>",
				Action:    withVault(moveDir),
			},
		},
	}
}

// withVault loads configuration, applies global flag overrides and opens a
// vault for the duration of action
func withVault(action func(*cli.Context, *vault.Vault) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.LoadConfig(c.String("config"))
		if err != nil {
			return err
		}
		applyOverrides(c, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := logging.NewWithOutput(c.App.ErrWriter, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}

		a, err := app.New(c.Context, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Vault.Init(c.Context); err != nil {
			return err
		}
		return action(c, a.Vault)
	}
}

func applyOverrides(c *cli.Context, cfg *config.Config) {
	if c.IsSet("db") {
		cfg.DatabasePath = c.String("db")
	}
	if c.IsSet("db-driver") {
		cfg.DatabaseDriver = c.String("db-driver")
	}
	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
	}
	if c.IsSet("webhook") {
		cfg.Webhook = c.String("webhook")
	}
	if c.IsSet("blob-path") {
		cfg.BlobPath = c.String("blob-path")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
}

func args(c *cli.Context, names ...string) ([]string, error) {
	if c.NArg() != len(names) {
		return nil, fmt.Errorf("%w: %s expects %d argument(s): %v", models.ErrInvalidArgument, c.Command.Name, len(names), names)
	}
	return c.Args().Slice(), nil
}

func ingest(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "path")
	if err != nil {
		return err
	}
	file, err := v.IngestFile(c.Context, a[0], vault.IngestOptions{
		ChunkSize:   c.Int64("chunk-size"),
		DirectoryID: c.String("dir"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\t%d bytes\t%d chunks\n", file.ID, file.Name, file.Size, file.ChunkCount)
	return nil
}

func list(c *cli.Context, v *vault.Vault) error {
	files, err := v.List(c.Context, c.String("dir"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tCHUNKS\tCREATED")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", f.ID, f.Name, f.Size, f.ChunkCount, f.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func export(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "file-id", "path")
	if err != nil {
		return err
	}
	if a[1] == "-" {
		_, err := v.Export(c.Context, a[0], pipeline.NewStreamSink(c.App.Writer))
		return err
	}
	written, err := v.ExportToPath(c.Context, a[0], a[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "wrote %d bytes to %s\n", written, a[1])
	return nil
}

func stream(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "file-id")
	if err != nil {
		return err
	}
	_, err = v.Export(c.Context, a[0], pipeline.NewStreamSink(c.App.Writer))
	return err
}

func verify(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "file-id")
	if err != nil {
		return err
	}
	verified, err := v.Verify(c.Context, a[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s ok (%d bytes)\n", a[0], verified)
	return nil
}

func remove(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "file-id")
	if err != nil {
		return err
	}
	locators, err := v.Delete(c.Context, a[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "removed %s; %d remote blob(s) left on the endpoint\n", a[0], len(locators))
	for _, l := range locators {
		fmt.Fprintln(c.App.Writer, l)
	}
	return nil
}

func purge(c *cli.Context, v *vault.Vault) error {
	purged, err := v.PurgePending(c.Context, c.Duration("older-than"))
	if err != nil {
		return err
	}
	for _, f := range purged {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", f.ID, f.Name, f.Status)
	}
	fmt.Fprintf(c.App.Writer, "purged %d pending ingest(s)\n", len(purged))
	return nil
}

func mkdir(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "name")
	if err != nil {
		return err
	}
	dir, err := v.CreateDirectory(c.Context, a[0], c.String("parent"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, dir.ID)
	return nil
}

func dirs(c *cli.Context, v *vault.Vault) error {
	children, err := v.ListDirectories(c.Context, c.String("parent"))
	if err != nil {
		return err
	}
	for _, d := range children {
		fmt.Fprintf(c.App.Writer, "%s\t%s\n", d.ID, d.Name)
	}
	return nil
}

func move(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "file-id", "directory-id")
	if err != nil {
		return err
	}
	return v.MoveFile(c.Context, a[0], a[1])
}

func moveDir(c *cli.Context, v *vault.Vault) error {
	a, err := args(c, "directory-id", "parent-id")
	if err != nil {
		return err
	}
	return v.MoveDirectory(c.Context, a[0], a[1])
}
