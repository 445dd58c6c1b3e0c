package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/foliodev/folio/internal/config"
	"github.com/foliodev/folio/internal/debug"
	"github.com/foliodev/folio/internal/service"
	"github.com/foliodev/folio/internal/transport"
	"github.com/foliodev/folio/internal/types"
)

var Version = "0.3.0"

// loadConfigWithOverrides loads configuration and applies CLI flag overrides
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	root := c.String("root")
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path %q: %w", root, err)
	}

	cfg, err := config.Load(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %s: %w", absRoot, err)
	}

	if includeFlags := c.StringSlice("include"); len(includeFlags) > 0 {
		cfg.Include = includeFlags
	}
	if excludeFlags := c.StringSlice("exclude"); len(excludeFlags) > 0 {
		cfg.Exclude = append(cfg.Exclude, excludeFlags...)
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Transport.Listen = listen
	}
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:                   "folio",
		Usage:                  "Workspace entity indexing and synchronization engine",
		Version:                Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Workspace root directory (overrides config)",
			},
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "Include files matching glob patterns (e.g., --include '**/*.md')",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Exclude files matching glob patterns (e.g., --exclude 'drafts/**')",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Write component debug logs",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				os.Setenv("DEBUG", "1")
				logPath, err := debug.InitLogFile()
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "debug log: %s\n", logPath)
			}
			return nil
		},
		After: func(*cli.Context) error {
			return debug.CloseLogFile()
		},
		Commands: []*cli.Command{
			{
				Name:  "index",
				Usage: "Scan the workspace once and print a graph summary",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					cfg.Watch.Enabled = false

					svc, err := service.New(cfg)
					if err != nil {
						return err
					}
					defer svc.Stop()

					if err := svc.Start(c.Context); err != nil {
						return err
					}

					byType := make(map[string]int)
					var diagnostics int
					for _, e := range svc.QueryEntities(nil) {
						byType[e.EntityTypeID]++
						if e.IsDiagnostic() {
							diagnostics++
						}
					}
					fmt.Printf("%s: %d entities\n", cfg.Project.Name, svc.EntityCount())
					for typeID, n := range byType {
						fmt.Printf("  %-24s %d\n", typeID, n)
					}
					if diagnostics > 0 {
						fmt.Printf("%d file(s) failed to parse\n", diagnostics)
					}
					return nil
				},
			},
			{
				Name:  "watch",
				Usage: "Index the workspace and keep the graph live until interrupted",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					cfg.Watch.Enabled = true

					svc, err := service.New(cfg)
					if err != nil {
						return err
					}
					defer svc.Stop()

					if err := svc.Start(c.Context); err != nil {
						return err
					}

					svc.Bus().Subscribe(types.KindEntityUpdate, 0, nil, func(ev types.Event) {
						e := ev.(*types.EntityUpdateEvent)
						fmt.Printf("[%d] %s %s (%s)\n", e.Seq(), e.Op, e.EntityID, e.SourcePath)
					})
					svc.Bus().Subscribe(types.KindFileChange, 0, nil, func(ev types.Event) {
						e := ev.(*types.FileChangeEvent)
						fmt.Printf("[%d] file %s %s\n", e.Seq(), e.Op, e.Path)
					})

					fmt.Printf("watching %s (%d entities)\n", cfg.Project.Root, svc.EntityCount())
					waitForInterrupt(c.Context)
					return nil
				},
			},
			{
				Name:  "serve",
				Usage: "Index, watch, and serve the graph over websocket",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Websocket listen address (overrides config)",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfigWithOverrides(c)
					if err != nil {
						return err
					}
					cfg.Watch.Enabled = true

					svc, err := service.New(cfg)
					if err != nil {
						return err
					}
					defer svc.Stop()

					if err := svc.Start(c.Context); err != nil {
						return err
					}

					server, err := transport.NewWSServer(cfg.Transport.Listen, func(tr transport.Transport) {
						transport.NewHandler(svc, tr)
					})
					if err != nil {
						return err
					}
					defer server.Close()

					go func() {
						if err := server.Serve(); err != nil {
							fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
						}
					}()

					fmt.Printf("serving %s on ws://%s (%d entities)\n",
						cfg.Project.Name, server.Addr(), svc.EntityCount())
					waitForInterrupt(c.Context)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func waitForInterrupt(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
}
