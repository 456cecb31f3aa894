package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/theatre/internal/asyncqueue"
	"github.com/oriys/theatre/internal/checkpoint"
	"github.com/oriys/theatre/internal/config"
	"github.com/oriys/theatre/internal/coordinator"
	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/eventbus"
	"github.com/oriys/theatre/internal/ffi"
	"github.com/oriys/theatre/internal/grpc"
	"github.com/oriys/theatre/internal/jit"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/metrics"
	"github.com/oriys/theatre/internal/observability"
	"github.com/oriys/theatre/internal/policy"
	"github.com/oriys/theatre/internal/profiler"
	"github.com/oriys/theatre/internal/store"
)

func serveCmd() *cobra.Command {
	var flowsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the theatre control plane daemon",
		Long:  "Run the Orchestration Coordinator as a long-lived daemon with an HTTP/JSON control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Observability.Tracing.Enabled {
				if err := observability.Init(ctx, observability.Config{
					Enabled:     true,
					Exporter:    cfg.Observability.Tracing.Exporter,
					Endpoint:    cfg.Observability.Tracing.Endpoint,
					ServiceName: cfg.Observability.Tracing.ServiceName,
					SampleRate:  cfg.Observability.Tracing.SampleRate,
				}); err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				defer observability.Shutdown(context.Background())
			}
			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
			}

			daemon, err := buildDaemon(ctx, cfg)
			if err != nil {
				return err
			}
			defer daemon.shutdown()

			if flowsDir != "" {
				if err := daemon.loadFlows(flowsDir); err != nil {
					return fmt.Errorf("load flows: %w", err)
				}
			}

			daemon.start()

			srv := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: observability.HTTPMiddleware(daemon.routes())}
			go func() {
				logging.Op().Info("http control surface listening", "addr", cfg.Daemon.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logging.Op().Error("http server exited", "error", err)
				}
			}()

			if daemon.grpcServer != nil {
				go func() {
					if err := daemon.grpcServer.ListenAndServe(ctx); err != nil {
						logging.Op().Error("grpc health server exited", "error", err)
					}
				}()
				daemon.grpcServer.SetServing(true)
			}

			<-ctx.Done()
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)

			return nil
		},
	}

	cmd.Flags().StringVar(&flowsDir, "flows", "", "Directory of flow definitions (.json/.yaml) to compile and register at startup")
	return cmd
}

// daemon holds every long-lived component the `serve` command wires
// together (SPEC_FULL §4): the Coordinator plus its Persistence-Intent
// Pipeline, Policy Gate, Execution Profiler, JIT compiler, and the
// observational event bus every component publishes onto.
type daemon struct {
	cfg        *config.Config
	registry   *coordinator.ContractRegistry
	coord      *coordinator.Coordinator
	pipeline   *asyncqueue.Pipeline
	gate       *policy.Gate
	bundles    *policy.BundleManager
	profiler   *profiler.Profiler
	jit        *jit.Compiler
	checkpoint *checkpoint.Store
	events     *eventbus.Bus
	pg         *store.PostgresStore
	grpcServer *grpc.Server
}

func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{
		cfg:        cfg,
		registry:   coordinator.NewContractRegistry(),
		checkpoint: checkpoint.NewStore(cfg.Coordinator.CheckpointTTL),
		profiler: profiler.New(profiler.Config{
			HotExecutionCount: cfg.Profiler.HotExecutionCount,
			HotAvgDuration:    cfg.Profiler.HotAvgDuration,
			DecayInterval:     cfg.Profiler.DecayInterval,
			DecayIdleAfter:    cfg.Profiler.DecayIdleAfter,
		}),
		jit: jit.New(cfg.JIT.CacheCapacity),
	}

	switch cfg.EventBus.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.EventBus.RedisURL})
		rb := eventbus.NewRedisBus(client)
		rb.Start(ctx)
		d.events = rb.LocalBus()
	default:
		d.events = eventbus.New()
	}

	var sink asyncqueue.Sink = noopSink{}
	if cfg.Store.Enabled {
		pg, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.pg = pg
		sink = pg
	}

	d.pipeline = asyncqueue.NewPipeline(sink, asyncqueue.PipelineConfig{
		ShardCapacity: cfg.Pipeline.ShardCapacity,
		Workers:       cfg.Pipeline.Workers,
		PollInterval:  cfg.Pipeline.PollInterval,
		DrainTimeout:  cfg.Pipeline.DrainTimeout,
		ReceiptBuffer: cfg.Pipeline.ReceiptBuffer,
		ValidationSLA: cfg.Pipeline.ValidationSLA,
		LatencyWindow: cfg.Pipeline.LatencyWindow,
	})

	d.gate = policy.New(d.pipeline, "", policy.Config{
		Interval:   cfg.Policy.Interval,
		WindowSize: cfg.Policy.WindowSize,
		Beta:       cfg.Policy.Beta,
		Epsilon:    cfg.Policy.Epsilon,
		TGreen:     cfg.Policy.TGreen,
		TAmber:     cfg.Policy.TAmber,
		Weights:    domain.MetricWeights{Depth: cfg.Policy.WeightDepth, Latency: cfg.Policy.WeightLat, Error: cfg.Policy.WeightErr},
	})
	d.bundles = policy.NewBundleManager()

	d.coord = coordinator.New(
		coordinator.NewMemorySessionStore(),
		d.registry,
		ffi.NewRegistry(nil),
		d.checkpoint,
		d.pipeline,
		d.profiler,
		coordinator.Config{
			DefaultGasBudget:  cfg.Coordinator.DefaultGasBudget,
			CheckpointTTL:     cfg.Coordinator.CheckpointTTL,
			TenantIDFromState: cfg.Coordinator.TenantIDFromState,
			MaxAutoExtend:     cfg.Coordinator.MaxAutoExtend,
		},
	).WithFlowControl(d.gate).WithJIT(d.jit).WithEvents(d.events)

	if cfg.GRPC.Enabled {
		d.grpcServer = grpc.NewServer(cfg.GRPC.Addr)
	}

	return d, nil
}

func (d *daemon) start() {
	d.profiler.Start()
	d.pipeline.Start()
	d.gate.Start()
	go d.relayReceipts()
	go d.relayFlowControl()
	logging.Op().Info("theatre daemon started", "http_addr", d.cfg.Daemon.HTTPAddr)
}

func (d *daemon) shutdown() {
	d.gate.Stop()
	d.pipeline.Stop()
	d.profiler.Stop()
	if d.grpcServer != nil {
		d.grpcServer.SetServing(false)
	}
	if d.pg != nil {
		d.pg.Close()
	}
	d.events.Close()
}

// relayReceipts republishes every CommitReceipt the Pipeline delivers
// onto the event bus as KindCommitReceiptDelivered: the Coordinator has
// no visibility into the Pipeline's receipt stream (it only holds the
// narrow Sink it submits intents to), so this composition-root goroutine
// is the one place that bridges the two (SPEC_FULL §6).
func (d *daemon) relayReceipts() {
	for r := range d.pipeline.Receipts() {
		d.events.Publish(eventbus.Event{
			Kind:      eventbus.KindCommitReceiptDelivered,
			SessionID: r.SessionID,
			IntentID:  r.IntentID,
			Status:    string(r.Status),
		})
	}
}

// relayFlowControl republishes every FlowControlSignal the Policy Gate
// emits onto the event bus as KindFlowControlSignal, for the same reason
// as relayReceipts: the Coordinator only holds the Gate's narrow Signal()
// accessor, not its Subscribe stream.
func (d *daemon) relayFlowControl() {
	for sig := range d.gate.Subscribe() {
		d.events.Publish(eventbus.Event{
			Kind:      eventbus.KindFlowControlSignal,
			FlowLevel: string(sig.Level),
		})
	}
}

type noopSink struct{}

func (noopSink) Commit(ctx context.Context, intent *domain.PersistenceIntent) error {
	logging.Op().Debug("discarding persistence intent, no durable store configured", "intent_id", intent.ID, "session_id", intent.SessionID)
	return nil
}

// loadFlows compiles every .json/.yaml/.yml file in dir and registers it
// into the daemon's ContractRegistry under its FlowDefinition.Name.
func (d *daemon) loadFlows(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := loadFlowDefinition(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		contract, err := transpileAndRegister(d.registry, def)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		logging.Op().Info("registered flow", "name", contract.Name, "path", path, "blocks", len(contract.Blocks))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
