// Command relaytail streams a merged, deduplicated event feed from a set of
// Nostr relays as JSON lines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/config"
	"nostr-relaypool/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts tailOptions

	cmd := &cobra.Command{
		Use:          "relaytail",
		Short:        "Stream merged events from Nostr relays",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(".env")
			logging.InitLogger(os.Stderr, os.Getenv("LOG_LEVEL"))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.Relays, "relay", nil, "relay URL (repeatable); overrides the relays file")
	f.IntSliceVar(&opts.Kinds, "kinds", []int{1}, "event kinds")
	f.StringSliceVar(&opts.Authors, "authors", nil, "author pubkeys (hex)")
	f.StringSliceVar(&opts.Hashtags, "hashtags", nil, "hashtags (#t)")
	f.Int64Var(&opts.Since, "since", 0, "unix timestamp to start from")
	f.IntVar(&opts.Limit, "limit", 50, "stored events to request per relay")
	f.BoolVar(&opts.Queue, "queue", false, "stage incoming events and flush them in batches")
	f.DurationVar(&opts.FlushEvery, "flush-every", 2*time.Second, "quiet period before staged events are flushed")
	f.IntVar(&opts.MaxEvents, "max-events", 500, "visible events kept for deduplication and ordering (0 keeps all)")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.SubID, "sub-id", "relaytail", "subscription id, also the checkpoint key")
	f.BoolVar(&opts.Resume, "resume", true, "resume from the stored checkpoint when --since is not set")
	return cmd
}

func runTail(ctx context.Context, opts tailOptions) error {
	cfg := *config.Get()
	cfg.Relays = slices.Clone(cfg.Relays)
	if len(opts.Relays) > 0 {
		cfg.Relays = cfg.Relays[:0]
		for _, u := range opts.Relays {
			cfg.Relays = append(cfg.Relays, config.RelayConfig{URL: u})
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("relays: %w", err)
	}

	cacheCfg := cache.DefaultConfig()
	backend, kind := cache.Open(cacheCfg)
	defer backend.Close()
	checkpoints := cache.NewCheckpointStore(backend, cacheCfg.CheckpointTTL)

	reg := prometheus.NewRegistry()
	t, err := newTailer(&cfg, opts, checkpoints, reg, os.Stdout)
	if err != nil {
		return err
	}
	defer t.close()

	if opts.MetricsAddr != "" {
		go serveMetrics(ctx, opts.MetricsAddr, reg)
	}

	go reloadOnHangup(ctx, t, len(opts.Relays) > 0)

	slog.Info("relaytail: checkpoint store ready", "backend", kind)
	return t.run(ctx)
}

// reloadOnHangup re-reads the relays file on SIGHUP until ctx is done. Relays
// given as flags pin the list.
func reloadOnHangup(ctx context.Context, t *tailer, pinned bool) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if pinned {
				slog.Info("relaytail: relays set by flags, ignoring reload")
				continue
			}
			cfg := *config.Reload()
			cfg.Relays = slices.Clone(cfg.Relays)
			if err := t.reload(ctx, &cfg); err != nil {
				slog.Error("relaytail: reload failed", "error", err)
			}
		}
	}
}
