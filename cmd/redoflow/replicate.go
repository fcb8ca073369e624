package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/internal/pool"
	"github.com/redoflow/redoflow/pkg/builder"
	"github.com/redoflow/redoflow/pkg/checkpoint"
	"github.com/redoflow/redoflow/pkg/config"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/metadata"
	"github.com/redoflow/redoflow/pkg/reader"
	"github.com/redoflow/redoflow/pkg/replicator"
	"github.com/redoflow/redoflow/pkg/storage/object"
	"github.com/redoflow/redoflow/pkg/telemetry"
	"github.com/redoflow/redoflow/pkg/txbuf"
	"github.com/redoflow/redoflow/pkg/watch"
)

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Run the replication engine",
	Long: `Start continuous redo ingestion: the archive phase replays archived
logs in SCN order, then the online phase follows the live redo stream.

Examples:
  redoflow replicate -c prod.yaml
  redoflow replicate -c prod.yaml -o transactions.jsonl`,
	RunE: runReplicate,
}

func init() {
	replicateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "transaction output file (default stdout)")
}

func buildLogger(cfg *config.Config) *log.Logger {
	var traces log.Trace
	for _, name := range cfg.Traces {
		if t, ok := log.ParseTrace(name); ok {
			traces |= t
		}
	}
	return log.New(traces, verbose || cfg.Flags.Verbose)
}

func buildBackend(cfg *config.Config) (checkpoint.Backend, error) {
	switch cfg.Checkpoint.Backend {
	case "redis":
		rc := checkpoint.DefaultRedisConfig(cfg.Checkpoint.Redis.Address)
		rc.Password = cfg.Checkpoint.Redis.Password
		rc.Database = cfg.Checkpoint.Redis.Database
		if cfg.Checkpoint.Redis.Prefix != "" {
			rc.Prefix = cfg.Checkpoint.Redis.Prefix
		}
		if cfg.Checkpoint.Redis.TTL > 0 {
			rc.TTL = cfg.Checkpoint.Redis.TTL
		}
		if cfg.Checkpoint.Redis.Timeout > 0 {
			rc.Timeout = cfg.Checkpoint.Redis.Timeout
		}
		return checkpoint.NewRedisBackend(rc)
	default:
		return checkpoint.NewFileBackend(cfg.Checkpoint.Dir)
	}
}

func buildMetadata(cfg *config.Config, backend checkpoint.Backend, logger *log.Logger) *metadata.Metadata {
	md := metadata.New(cfg.Source.Name, backend, logger)
	md.LogArchiveFormat = cfg.Source.LogArchiveFormat
	md.DbRecoveryFileDest = cfg.Source.RecoveryFileDest
	md.DbBlockChecksum = cfg.Source.DbBlockChecksum
	md.DbTimezone = cfg.Source.DbTimezone
	md.StartTime = cfg.Source.StartTime
	md.StartTimeRel = cfg.Source.StartTimeRel
	if cfg.Source.StartScn > 0 {
		md.StartScn = model.Scn(cfg.Source.StartScn)
	}
	if cfg.Source.StartSequence >= 0 {
		md.StartSequence = model.Seq(cfg.Source.StartSequence)
	}
	for _, rl := range cfg.Source.RedoLogs {
		md.RedoLogs = append(md.RedoLogs, model.RedoLog{
			Thread: model.ThreadID(rl.Thread),
			Group:  rl.Group,
			Path:   rl.Path,
		})
	}
	return md
}

// s3Store builds the object store when any batch entry uses s3://.
func s3Store(ctx context.Context, cfg *config.Config) (object.Storage, error) {
	for _, entry := range cfg.Source.RedoLogsBatch {
		if strings.HasPrefix(entry, "s3://") {
			trimmed := strings.TrimPrefix(entry, "s3://")
			bucket := trimmed
			if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
				bucket = trimmed[:idx]
			}
			return object.NewS3Storage(ctx, object.DefaultS3Config(bucket, cfg.Archive.S3Region))
		}
	}
	return nil, nil
}

func runReplicate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	defer logger.Sync()

	if cfg.Telemetry.Enabled {
		otlp := telemetry.NewOTLPExporter(telemetry.OTLPConfig{
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			InsecureTLS:    cfg.Telemetry.Insecure,
			SamplingRatio:  1.0,
		})
		shutdown, err := otlp.Init(cmd.Context())
		if err != nil {
			return fmt.Errorf("telemetry init failed: %w", err)
		}
		defer shutdown(context.Background())
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	md := buildMetadata(cfg, backend, logger)

	out := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	b := builder.NewJSON(out)
	tb := txbuf.New()

	rctx := replicator.NewCtx(logger)
	rctx.RefreshInterval = cfg.Timing.RefreshInterval
	rctx.RedoReadSleep = cfg.Timing.RedoReadSleep
	rctx.ArchReadSleep = cfg.Timing.ArchReadSleep
	rctx.ArchReadTries = cfg.Timing.ArchReadTries
	rctx.Schemaless = cfg.Flags.Schemaless
	rctx.ArchOnly = cfg.Flags.ArchOnly
	rctx.BootFailsafe = cfg.Flags.BootFailsafe
	rctx.StopLogSwitches.Store(cfg.Stop.LogSwitches)
	rctx.StopTransactions.Store(cfg.Stop.Transactions)
	for _, check := range cfg.DisableChecks {
		if check == "block-sum" {
			rctx.DisableBlockSum = true
		}
	}

	checksum := md.DbBlockChecksum != "OFF" && md.DbBlockChecksum != "FALSE"
	buffers := pool.NewBufferPool(pool.DefaultBlockBufferSize)
	factory := func(group int) reader.Reader {
		return reader.NewFilesystem(group, checksum, buffers, logger)
	}

	store, err := s3Store(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	var archGet replicator.ArchiveGetter
	if cfg.Archive.Mode == "list" {
		archGet = replicator.ListGetter{Store: store}
	} else {
		archGet = replicator.PathGetter{}
	}

	repl := replicator.New(rctx, archGet, b, md, tb, cfg.Source.Name, factory)
	for _, pm := range cfg.Source.PathMapping {
		repl.AddPathMapping(pm.Source, pm.Target)
	}
	for _, path := range cfg.Source.RedoLogsBatch {
		repl.AddRedoLogsBatch(path)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Archive.Watch && cfg.Archive.Mode == "path" {
		watcher, err := watch.NewArchiveWatcher()
		if err != nil {
			return err
		}
		root := cfg.Source.RecoveryFileDest + "/" + cfg.Source.Name + "/archivelog"
		if err := watcher.WatchTree(repl.PathMapper().Apply(root)); err != nil {
			logger.Warning(0, "archive watch unavailable, relying on polling")
		} else {
			rctx.ArchNudge = watcher.Nudge
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	// Signal handling: first signal is a soft stop, second is immediate.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			logger.Info(0, "signal received, shutting down")
			rctx.StopSoft()
			md.WakeUp()
			go func() {
				<-sigCh
				os.Exit(1)
			}()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		md.RequestStart()
		repl.Run()
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	snap := rctx.Metrics.Snapshot()
	logger.Info(0, fmt.Sprintf("done: %d commits, %d rollbacks, %d log switches, %d archives",
		snap.CommitOut, snap.RollbackOut, snap.LogSwitches, snap.ArchivesProcessed))
	return nil
}
