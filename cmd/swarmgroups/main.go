package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relves/swarmgroups/internal/config"
	"github.com/relves/swarmgroups/internal/groups"
	"github.com/relves/swarmgroups/internal/jobs"
	"github.com/relves/swarmgroups/internal/leaving"
	"github.com/relves/swarmgroups/internal/orchestrator"
	"github.com/relves/swarmgroups/internal/poller"
	"github.com/relves/swarmgroups/internal/storage/sqlite"
	"github.com/relves/swarmgroups/internal/swarm"
	"github.com/relves/swarmgroups/internal/telemetry"
	"github.com/relves/swarmgroups/pkg/types"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", ""))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	seed, err := loadIdentity(cfg, logger)
	if err != nil {
		logger.Error("failed to load identity", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}
	storeManager := sqlite.NewStoreManager(cfg.DataPath)
	defer storeManager.CloseAll()

	router, err := newSwarm(cfg, logger)
	if err != nil {
		logger.Error("failed to start swarm", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := groups.NewRegistry(groups.RegistryConfig{
		IdentitySeed: seed,
		Stores:       storeManager,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create registry", "error", err)
		os.Exit(1)
	}
	if err := registry.Load(ctx); err != nil {
		logger.Error("failed to load groups", "error", err)
		os.Exit(1)
	}

	supervisor := jobs.New(jobs.Config{
		Workers:  cfg.Jobs.Workers,
		MaxTries: cfg.Jobs.MaxTries,
		Logger:   logger,
	})

	var leave *leaving.Workflow
	orch, err := orchestrator.New(orchestrator.Config{
		ConfigTTL:  cfg.Orchestrator.ConfigTTL,
		MessageTTL: cfg.Orchestrator.MessageTTL,
		TokenTTL:   cfg.Orchestrator.TokenTTL,
		Logger:     logger,
	}, orchestrator.Deps{
		Registry:   registry,
		Resolver:   router,
		Supervisor: supervisor,
		Messenger:  &logMessenger{logger: logger},
		Teardown: func(ctx context.Context, group types.GroupID) error {
			return leave.Teardown(ctx, group)
		},
	})
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	pollers := poller.NewManager(ctx, poller.Config{
		Interval:    cfg.Poller.Interval,
		TriggerRate: cfg.Poller.TriggerRate,
		DedupSize:   cfg.Poller.DedupSize,
		ConfigTTL:   cfg.Orchestrator.ConfigTTL,
		Logger:      logger,
	}, poller.Deps{
		Registry:   registry,
		Resolver:   router,
		Processor:  &logProcessor{logger: logger},
		MemberLeft: orch,
		Supervisor: supervisor,
	})

	leave, err = leaving.New(leaving.Config{
		AckTimeout:     cfg.Leaving.AckTimeout,
		ConfirmTimeout: cfg.Leaving.ConfirmTimeout,
		Logger:         logger,
	}, leaving.Deps{
		Registry:   registry,
		Sender:     orch,
		Supervisor: supervisor,
		Pollers:    pollers,
	})
	if err != nil {
		logger.Error("failed to create leaving workflow", "error", err)
		os.Exit(1)
	}

	if err := pollers.StartAll(); err != nil {
		logger.Error("failed to start pollers", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("POST /groups/{group}/leave", func(w http.ResponseWriter, r *http.Request) {
		group := types.GroupID(r.PathValue("group"))
		if _, err := registry.Get(group); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		id := leave.Submit(group, r.URL.Query().Get("delete") == "true")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, id)
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
			stop()
		}
	}()

	logger.Info("swarmgroups started",
		"account", registry.Self(),
		"groups", len(registry.Groups()),
		"swarm_nodes", cfg.Swarm.Nodes,
		"metrics_addr", cfg.MetricsAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pollers.StopAll()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("supervisor shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}

// newSwarm starts the in-process swarm nodes and a router that places each
// group on one of them.
func newSwarm(cfg *config.Config, logger *slog.Logger) (*swarm.Router, error) {
	ring := swarm.NewHashRing(cfg.Swarm.Replicas, nil)
	nodes := make(map[string]*swarm.MemoryNode, cfg.Swarm.Nodes)
	for i := range cfg.Swarm.Nodes {
		id := fmt.Sprintf("node-%d", i)
		nodes[id] = swarm.NewMemoryNode(swarm.MemoryNodeConfig{ID: id, Logger: logger})
		ring.Add(id, "mem://"+id)
	}

	pool, err := swarm.NewClientPool(swarm.ClientPoolConfig{
		Dial: func(nodeID, addr string) (swarm.Client, error) {
			node, ok := nodes[nodeID]
			if !ok {
				return nil, fmt.Errorf("unknown swarm node %s (%s)", nodeID, addr)
			}
			return node, nil
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return swarm.NewRouter(ring, pool), nil
}

func loadIdentity(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	seed, err := cfg.IdentitySeed()
	if err != nil {
		return nil, err
	}
	if seed != nil {
		return seed, nil
	}

	// Groups joined under an ephemeral identity cannot be reopened.
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	logger.Warn("IDENTITY_KEY not set, using an ephemeral identity")
	return priv.Seed(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// logMessenger stands in for the one-to-one transport, which this service
// does not carry.
type logMessenger struct {
	logger *slog.Logger
}

func (m *logMessenger) SendInvite(ctx context.Context, member types.AccountID, inv types.Invitation) error {
	m.logger.Info("invitation ready", "member", member, "group", inv.Group.Short(), "name", inv.Name)
	return nil
}

func (m *logMessenger) SendPromotion(ctx context.Context, member types.AccountID, p types.Promotion) error {
	m.logger.Info("promotion ready", "member", member, "group", p.Group.Short())
	return nil
}

type logProcessor struct {
	logger *slog.Logger
}

func (p *logProcessor) Process(ctx context.Context, group types.GroupID, hash string, msg types.GroupMessage) error {
	p.logger.Debug("group message",
		"group", group.Short(),
		"hash", hash,
		"kind", msg.Kind,
		"sender", msg.Sender)
	return nil
}
