package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chatter/internal/commands"
	"chatter/internal/config"

	"github.com/urfave/cli/v3"
)

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig(cmd *cli.Command, cliMode bool) (*config.Config, error) {
	cfg, err := config.Load(cliMode)
	if err != nil {
		return nil, err
	}
	if v := cmd.String("server"); v != "" {
		cfg.ServerURL = v
	}
	if v := cmd.String("token"); v != "" {
		cfg.Token = v
	}
	if v := cmd.String("admin"); v != "" {
		cfg.AdminAddr = v
	}
	return cfg, nil
}

func app() *cli.Command {
	var logger *slog.Logger

	return &cli.Command{
		Name:  "chatter",
		Usage: "Team chat server and realtime client",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Server base URL (overrides CHATTER_SERVER)",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Bearer token (overrides CHATTER_TOKEN)",
			},
			&cli.StringFlag{
				Name:  "admin",
				Usage: "Admin listen address (overrides ADMIN_ADDR)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger = newLogger(cmd.Bool("debug"))
			slog.SetDefault(logger)
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the API and admin servers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd, false)
					if err != nil {
						return err
					}
					return commands.Serve(ctx, cfg, logger)
				},
			},
			{
				Name:  "user",
				Usage: "Manage users through the admin API",
				Commands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Create a user and print its token",
						ArgsUsage: "<username>",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							if cmd.Args().Len() != 1 {
								return errors.New("exactly one username is required")
							}
							cfg, err := loadConfig(cmd, true)
							if err != nil {
								return err
							}
							return commands.AddUser(ctx, cfg, cmd.Args().First(), os.Stdout)
						},
					},
				},
			},
			{
				Name:  "token",
				Usage: "Issue a fresh token for an existing user",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "User id",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd, true)
					if err != nil {
						return err
					}
					return commands.IssueToken(ctx, cfg, cmd.String("user"), os.Stdout)
				},
			},
			{
				Name:  "tail",
				Usage: "Follow a conversation live",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "conversation",
						Aliases:  []string{"c"},
						Usage:    "Conversation key: channel:<id>, dm:<id> or thread:<messageId>",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd, true)
					if err != nil {
						return err
					}
					return commands.Tail(ctx, cfg, logger, cmd.String("conversation"), os.Stdout)
				},
			},
			{
				Name:      "presence",
				Usage:     "Publish your status: online, idle or offline",
				ArgsUsage: "<status>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "logout",
						Usage: "Log out afterwards, which publishes offline",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return errors.New("exactly one status is required")
					}
					cfg, err := loadConfig(cmd, true)
					if err != nil {
						return err
					}
					return commands.SetPresence(ctx, cfg, logger, cmd.Args().First(), cmd.Bool("logout"), os.Stdout)
				},
			},
			{
				Name:      "post",
				Usage:     "Send a message",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "conversation",
						Aliases:  []string{"c"},
						Usage:    "Conversation key: channel:<id>, dm:<id> or thread:<messageId>",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "file",
						Usage: "Path of a file to attach",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd, true)
					if err != nil {
						return err
					}
					return commands.Post(ctx, cfg, logger, cmd.String("conversation"), cmd.Args().First(), cmd.String("file"), os.Stdout)
				},
			},
		},
	}
}

func run(ctx context.Context, args []string) error {
	return app().Run(ctx, args)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
