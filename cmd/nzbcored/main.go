package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/PleXone2019/nzbcore/internal/article"
	"github.com/PleXone2019/nzbcore/internal/config"
	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/PleXone2019/nzbcore/internal/logger"
	"github.com/PleXone2019/nzbcore/internal/observer"
	"github.com/PleXone2019/nzbcore/internal/output"
	"github.com/PleXone2019/nzbcore/internal/persist"
	"github.com/PleXone2019/nzbcore/internal/platform"
	"github.com/PleXone2019/nzbcore/internal/queue"
	"github.com/PleXone2019/nzbcore/internal/repair"
	"github.com/PleXone2019/nzbcore/internal/server"
	"github.com/spf13/cobra"
)

var (
	configPath string
	workers    int
)

var rootCmd = &cobra.Command{
	Use:   "nzbcored",
	Short: "nzbcored is the Usenet binary download engine daemon",
	Long:  "Runs the connection pool, queue coordinator, and par coordinator until signaled to stop.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			log.Fatalf("nzbcored: %v", err)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 4, "number of download workers")
}

func run() error {
	cfg, err := config.Load(config.DefaultFs(), configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	if err := platform.ValidateDependencies(); err != nil {
		log.Warn("repair will be unavailable: %v", err)
	}

	var persister queue.Persister = queue.NoopPersister{}
	if cfg.QueueFile != "" {
		store, err := persist.Open(cfg.QueueFile)
		if err != nil {
			return fmt.Errorf("open queue store: %w", err)
		}
		defer store.Close()
		persister = store
	}

	bus := observer.New()
	pool := server.New(cfg.NewsServers())
	writer := output.New(cfg.TempDir)

	deps := &article.Deps{
		Pool:   pool,
		Config: cfg,
		Logger: log,
		Bus:    bus,
		Writer: writer,
	}

	coordinator := queue.New(deps, cfg, log, bus, persister)

	restored, err := persister.LoadQueue()
	if err != nil {
		log.Warn("failed to restore persisted queue: %v", err)
	}
	for _, n := range restored {
		coordinator.Enqueue(n)
	}

	repairer := repair.New(coordinator, repair.NewCLIPar2(), log, bus, cfg.StrictPar2Naming)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	go watchPostDownload(ctx, bus, repairer)

	log.Info("starting %d workers", workers)
	coordinator.Run(ctx, workers)

	if err := persister.SaveQueue(coordinator.Snapshot()); err != nil {
		log.Error("failed to persist queue on shutdown: %v", err)
	}
	return nil
}

// watchPostDownload drives a bundle through ParCoordinator as soon as
// its post-download stage advances to VerifyingSources. Each bundle is
// started once; the VerifyingSources event the repair run publishes for
// itself does not start another run.
func watchPostDownload(ctx context.Context, bus *observer.Bus, repairer *repair.Coordinator) {
	events := bus.Subscribe()
	started := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Kind != observer.BundleStageChanged || e.Detail != "VerifyingSources" {
				continue
			}
			n, ok := e.Subject.(*domain.NzbInfo)
			if !ok || started[n.ID] {
				continue
			}
			started[n.ID] = true
			destPath := n.DestDir + "/" + n.Name
			go repairer.Run(ctx, n, destPath)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
