package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"pobot/internal/app"
	"pobot/internal/config"
	"pobot/internal/task/reconcile"
	logx "pobot/pkg/logx"
)

var version = "dev"

func main() {
	cliApp := cli.App{
		Name:      "pobot",
		HelpName:  "pobot",
		Usage:     "schedule images and reminders into Telegram chats",
		Version:   version,
		UsageText: "pobot [--config FILE] <command> [arguments...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "config, c",
				Value:  "./config.yaml",
				Usage:  "path to the JSON or YAML config",
				EnvVar: "POBOT_CONFIG",
			},
		},
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "run the bot until interrupted",
				Action: run,
			},
			{
				Name:      "reconcile",
				Usage:     "reconcile the inventory once and print the report",
				ArgsUsage: "[container]",
				Action:    reconcileOnce,
			},
			{
				Name:   "ledger",
				Usage:  "show the periodic job ledger",
				Action: ledger,
			},
		},
		Action: run,
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func run(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.NewApp(ctx, c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

// loadConfig loads the config for one-shot commands, which log to the console only.
func loadConfig(c *cli.Context) (*config.Config, logx.Logger, error) {
	m := config.NewConfigManager(c.GlobalString("config"))
	if err := m.LoadEnv(); err != nil {
		return nil, logx.Logger{}, err
	}
	cfg, err := m.Load()
	if err != nil {
		return nil, logx.Logger{}, err
	}
	level := cfg.Logging.Level
	if level == "" {
		level = "info"
	}
	return cfg, logx.NewConsole(level), nil
}

func reconcileOnce(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	src, err := app.OpenSource(ctx, cfg)
	if err != nil {
		return err
	}
	rc, err := app.ReconcileConfig(cfg)
	if err != nil {
		return err
	}

	counts, err := reconcile.New(src, store, rc, reconcile.WithLogger(log)).RunOnce(ctx, c.Args().First())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "CATEGORY\tADDED\tREMOVED\tTOTAL\t")
	for _, cat := range slices.Sorted(maps.Keys(counts)) {
		n := counts[cat]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t\n", cat, n.Added, n.Removed, n.Total)
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t\n", counts.Added(), counts.Removed(), counts.Total())
	return w.Flush()
}

func ledger(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	entries, err := store.ListLedger(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tRUNS\tLAST EXECUTED\tAGO")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Name, e.ExecutionCount,
			e.LastExecutedAt.UTC().Format(time.RFC3339), app.FormatDelay(time.Since(e.LastExecutedAt)))
	}
	return w.Flush()
}
