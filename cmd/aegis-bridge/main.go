package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ghalamif/AegisBridge"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "deadletters":
		err = deadLettersCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("aegis-bridge %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to bridge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := aegisbridge.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	rt, err := aegisbridge.NewRuntime(cfg, aegisbridge.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := aegisbridge.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d point(s) -> %s %s (%s)\n",
		*cfgPath, len(cfg.Bridge.Points), cfg.Broker.Kind, cfg.Broker.Address, cfg.Broker.Guarantee())
	return nil
}

func deadLettersCommand(args []string) error {
	if len(args) < 1 {
		return errors.New("expected a subcommand: list or replay")
	}
	switch args[0] {
	case "list":
		return listDeadLetters(args[1:])
	case "replay":
		return replayDeadLetters(args[1:])
	default:
		return fmt.Errorf("unknown deadletters subcommand %q", args[0])
	}
}

func listDeadLetters(args []string) error {
	fs := flag.NewFlagSet("deadletters list", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to bridge configuration file")
	all := fs.Bool("all", false, "Include entries already committed by a replay")
	showPayload := fs.Bool("payload", false, "Print each envelope payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := aegisbridge.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sp, err := aegisbridge.OpenDeadLetterSpool(cfg.Spool.Dir)
	if err != nil {
		return err
	}
	defer sp.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFAILED AT\tPOINT\tSEQ\tTOPIC\tREASON")
	var n int
	err = aegisbridge.ListDeadLetters(sp, *all, func(id aegisbridge.SpoolEntryID, dl *aegisbridge.DeadLetter) error {
		n++
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			id, dl.FailedAt.Format(time.RFC3339), dl.PointID, dl.Seq, dl.Topic, dl.Reason)
		if *showPayload {
			fmt.Fprintf(w, "\t%s\n", dl.Payload)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	stats := sp.Stats()
	fmt.Printf("%d entries, %d bytes on disk\n", n, stats.SizeBytes)
	return nil
}

func replayDeadLetters(args []string) error {
	fs := flag.NewFlagSet("deadletters replay", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to bridge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := aegisbridge.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Spool.Dir == "" {
		return errors.New("spool.dir is not configured")
	}
	logger := newLogger(cfg.Log)

	rt, err := aegisbridge.NewRuntime(cfg, aegisbridge.WithLogger(logger))
	if err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := rt.ReplayDeadLetters(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d, %d remaining\n", report.Replayed, report.Remaining)
	if report.StopReason != "" {
		fmt.Printf("stopped at entry %d: %s\n", report.StoppedAt, report.StopReason)
	}
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"bridge_publish_accepted_total": 0,
		"bridge_publish_rejected_total": 0,
		"bridge_publish_failed_total":   0,
		"bridge_read_failed_total":      0,
		"bridge_consecutive_failures":   0,
		"bridge_spool_size_bytes":       0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] accepted=%.0f rejected=%.0f failed=%.0f read_failed=%.0f consecutive=%.0f spool_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["bridge_publish_accepted_total"],
		targets["bridge_publish_rejected_total"],
		targets["bridge_publish_failed_total"],
		targets["bridge_read_failed_total"],
		targets["bridge_consecutive_failures"],
		targets["bridge_spool_size_bytes"],
	)
	return nil
}

func newLogger(cfg aegisbridge.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Printf(`AegisBridge CLI

Usage:
  aegis-bridge <command> [flags]

Commands:
  run                  Bridge the configured OPC UA points to the broker until interrupted
  validate             Load and validate a config file without connecting
  deadletters list     Print envelopes kept in the dead-letter spool
  deadletters replay   Republish spooled envelopes and drop the ones the broker accepts
  stats                Poll the Prometheus metrics endpoint and print live counters

Examples:
  aegis-bridge run -config ./data/config.yaml
  aegis-bridge validate -config ./data/config.yaml
  aegis-bridge deadletters list -config ./data/config.yaml -payload
  aegis-bridge deadletters replay -config ./data/config.yaml
  aegis-bridge stats -url http://localhost:9100/metrics -interval 1s
`)
}
