package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kneutral-org/leasekeeper/internal/client"
	"github.com/kneutral-org/leasekeeper/internal/dlock"
	"github.com/kneutral-org/leasekeeper/internal/lock"
	"github.com/kneutral-org/leasekeeper/internal/logging"
)

const (
	defaultServer   = "localhost:50051"
	defaultTimeout  = 30 * time.Second
	defaultDuration = 30 * time.Second
)

// dialFunc opens a store for the given server address.
type dialFunc func(target string, logger zerolog.Logger) (lock.Store, io.Closer, error)

func dialRemote(target string, logger zerolog.Logger) (lock.Store, io.Closer, error) {
	store, conn, err := client.Dial(target, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, conn, nil
}

// app carries what every command needs.
type app struct {
	dial   dialFunc
	stdout io.Writer
	stderr io.Writer
}

func createApp(dial dialFunc, stdout, stderr io.Writer) *cli.Command {
	a := &app{dial: dial, stdout: stdout, stderr: stderr}

	return &cli.Command{
		Name:      "leasectl",
		Usage:     "leasekeeper command line client",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "leasekeeper gRPC address",
				Value:   defaultServer,
				Sources: cli.EnvVars("LEASEKEEPER_SERVER"),
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "timeout for single requests",
				Value:   defaultTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level for client diagnostics",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			a.infoCommand(),
			a.acquireCommand(),
			a.releaseCommand(),
			a.runCommand(),
		},
	}
}

func (a *app) logger(cmd *cli.Command, keys []string) zerolog.Logger {
	base := logging.NewPrettyLogger("leasectl", cmd.String("log-level")).Output(zerolog.ConsoleWriter{Out: a.stderr})
	return logging.CommandLogger(base, cmd.Name, keys)
}

func (a *app) open(cmd *cli.Command, logger zerolog.Logger) (lock.Store, io.Closer, error) {
	store, closer, err := a.dial(cmd.String("server"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cmd.String("server"), err)
	}
	return store, closer, nil
}

func (a *app) infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "list every key known to the server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := a.logger(cmd, nil)
			store, closer, err := a.open(cmd, logger)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()

			infos, err := store.Locks(ctx)
			if err != nil {
				return err
			}
			return printInfo(a.stdout, infos)
		},
	}
}

func (a *app) acquireCommand() *cli.Command {
	return &cli.Command{
		Name:  "acquire",
		Usage: "acquire a key and print its token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Value: defaultDuration},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key := cmd.String("key")
			logger := a.logger(cmd, []string{key})
			store, closer, err := a.open(cmd, logger)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()

			token, err := store.Acquire(ctx, key, cmd.Duration("duration"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, token)
			return err
		},
	}
}

func (a *app) releaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "release",
		Usage: "release a key held with --token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
			&cli.Int64Flag{Name: "token", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key := cmd.String("key")
			logger := a.logger(cmd, []string{key})
			store, closer, err := a.open(cmd, logger)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()

			token, err := store.Release(ctx, key, cmd.Int64("token"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, token)
			return err
		},
	}
}

func (a *app) runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "hold one or more keys while a command runs",
		ArgsUsage: "-- <command> [args...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "key", Aliases: []string{"k"}, Required: true},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Value: defaultDuration},
			&cli.DurationFlag{Name: "renew-interval", Usage: "defaults to a third of --duration"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			argv := cmd.Args().Slice()
			if len(argv) == 0 {
				return errors.New("run: a command is required after --")
			}

			keys := cmd.StringSlice("key")
			logger := a.logger(cmd, keys)
			store, closer, err := a.open(cmd, logger)
			if err != nil {
				return err
			}
			defer closer.Close()

			return runHeld(ctx, heldCommand{
				store:         store,
				logger:        logger,
				keys:          keys,
				duration:      cmd.Duration("duration"),
				renewInterval: cmd.Duration("renew-interval"),
				argv:          argv,
				stdout:        a.stdout,
				stderr:        a.stderr,
			})
		},
	}
}

// heldCommand describes a process to run while keys are held.
type heldCommand struct {
	store         lock.Store
	logger        zerolog.Logger
	keys          []string
	duration      time.Duration
	renewInterval time.Duration
	argv          []string
	stdout        io.Writer
	stderr        io.Writer
}

// runHeld acquires every key, runs the command with a keepalive renewing the
// leases and releases the keys afterwards. Losing a lease kills the command.
func runHeld(ctx context.Context, hc heldCommand) error {
	manager := dlock.NewManager(hc.store, hc.logger)
	l := manager.Create(hc.keys, hc.duration)

	handle, err := l.Acquire(ctx).Unwrap()
	if err != nil {
		l.Close()
		return err
	}
	for _, rec := range handle.Records() {
		logger := logging.LockLogger(hc.logger, rec.Key, rec.Token)
		logger.Info().Msg("lock acquired")
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost error
	keepalive := dlock.NewKeepalive(handle, l.Duration(), hc.logger,
		dlock.WithRenewInterval(hc.renewInterval),
		dlock.WithOnRenewFailed(func(err error) {
			if errors.Is(err, dlock.ErrLeaseLost) {
				lost = err
				cancel()
			}
		}),
	)
	keepalive.Start(cmdCtx)

	c := exec.CommandContext(cmdCtx, hc.argv[0], hc.argv[1:]...)
	c.Stdout = hc.stdout
	c.Stderr = hc.stderr
	runErr := c.Run()

	keepalive.Stop()

	releaseErr := handle.Release(context.WithoutCancel(ctx))
	if lost != nil {
		runErr = fmt.Errorf("lease lost while running %s: %w", hc.argv[0], lost)
	}
	return errors.Join(runErr, releaseErr)
}

func printInfo(w io.Writer, infos []lock.Info) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLOCKED\tTOKEN\tEXPIRES")
	for _, info := range infos {
		expires := "-"
		if info.IsLocked && !info.ExpiresAt.IsZero() {
			expires = info.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", info.Key, info.IsLocked, info.Token, expires)
	}
	return tw.Flush()
}
