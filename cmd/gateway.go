package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/epiloop/epiloop/internal/agent"
	"github.com/epiloop/epiloop/internal/chunker"
	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/cron"
	"github.com/epiloop/epiloop/internal/directory"
	"github.com/epiloop/epiloop/internal/discovery"
	"github.com/epiloop/epiloop/internal/failures"
	"github.com/epiloop/epiloop/internal/gateway"
	"github.com/epiloop/epiloop/internal/httpapi"
	"github.com/epiloop/epiloop/internal/pairing"
	"github.com/epiloop/epiloop/internal/plugins"
	"github.com/epiloop/epiloop/internal/plugins/discord"
	"github.com/epiloop/epiloop/internal/plugins/telegram"
	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/internal/store"
	"github.com/epiloop/epiloop/internal/telemetry"
	"github.com/epiloop/epiloop/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (same as the bare root command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

const sessionQueueDepth = 64

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	stateDir := resolveStateDir()
	cfg, changes, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	for _, ch := range changes {
		logger.Info("config.migrated", "path", ch.Path, "from", ch.From, "to", ch.To)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		logger.Error("gateway.state_dir_failed", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		logger.Error("telemetry.init_failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	// Stores under the profile state dir.
	pairStore, err := store.NewPairingStore(stateDir)
	if err != nil {
		logger.Error("gateway.pairing_store_failed", "error", err)
		os.Exit(1)
	}
	allow, err := store.NewAllowlist(stateDir)
	if err != nil {
		logger.Error("gateway.allowlist_failed", "error", err)
		os.Exit(1)
	}
	activity, err := store.OpenActivityLog(stateDir)
	if err != nil {
		logger.Error("gateway.activity_log_failed", "error", err)
		os.Exit(1)
	}
	defer activity.Close()

	runner := buildRunner(cfg, logger)

	// The server pointer is captured by the delivery closures created
	// before NewServer runs; by the time anything delivers it is set.
	var server *gateway.Server
	deliver := func(ctx context.Context, d protocol.Deliver) error {
		return server.Deliver(ctx, d)
	}
	indicator := func(ctx context.Context, ind protocol.Indicator) {
		server.Broadcast(protocol.NewFrame(protocol.TypeEventIndicator, "", ind))
	}

	svc := agent.NewService(cfg, runner, deliver, indicator, activity, logger)
	table := sessions.NewTable(sessionQueueDepth, svc.Handle, logger)

	server, err = gateway.NewServer(cfg, table, logger)
	if err != nil {
		logger.Error("gateway.init_failed", "error", err)
		os.Exit(1)
	}
	server.SetPairing(pairStore)

	gate, err := pairing.NewGate(stateDir, cfg.Gateway.DisplayName, activeProfile())
	if err != nil {
		logger.Error("gateway.pairing_gate_failed", "error", err)
		os.Exit(1)
	}
	server.SetSenderGate(gate)
	pairing.RegisterMethods(server.Router(), gate)

	// Plugins: bundled channels register here; config switches them on.
	registry := plugins.NewRegistry(logger)
	for _, d := range []plugins.Descriptor{telegram.Plugin(), discord.Plugin()} {
		if err := registry.Add(d); err != nil {
			logger.Error("plugins.add_failed", "id", d.ID, "error", err)
		}
	}
	registry.Load(cfg, server.SubmitInbound)
	server.SetLocalDeliver(func(ctx context.Context, d protocol.Deliver) (bool, error) {
		ch := registry.Channel(d.Channel)
		if ch == nil {
			return false, nil
		}
		return true, ch.Deliver(ctx, d)
	})

	resolver := directory.NewResolver(directory.DefaultTTL)
	for _, ch := range registry.Channels() {
		if dc, ok := ch.(plugins.DirectoryChannel); ok {
			resolver.Register(dc.DirectoryProvider())
		}
	}
	server.SetDirectory(resolver)

	server.SetChatCompletions(httpapi.NewHandler(cfg, runner, logger))
	mux := server.BuildMux()
	for pattern, h := range registry.HTTPRoutes() {
		mux.Handle(pattern, h)
	}

	// Cron jobs live in <stateDir>/cron.json; invalid files fail startup.
	sched := cron.NewScheduler(cronRun(cfg, &server, resolver), logger)
	var jobs []cron.Job
	if err := store.LoadJSON(filepath.Join(stateDir, "cron.json"), &jobs); err != nil {
		logger.Error("cron.jobs_load_failed", "error", err)
		os.Exit(1)
	}
	if err := sched.SetJobs(jobs); err != nil {
		logger.Error("cron.jobs_invalid", "error", err)
		os.Exit(1)
	}
	cron.RegisterMethods(server.Router(), sched)

	notes := store.NewNotifications(stateDir)
	heartbeat := cron.NewHeartbeat(cfg, func(ctx context.Context, hb protocol.Heartbeat) {
		server.Broadcast(protocol.NewFrame(protocol.TypeEventHeartbeat, "", hb))
		if hb.Status == "alert" {
			if err := notes.Push(hb.Detail); err != nil {
				logger.Warn("gateway.notification_failed", "error", err)
			}
		}
	}, channelCheck(cfg, registry), logger)

	registerOpsMethods(server, registry, pairStore, allow, cfg, cfgPath, runner)

	// Discovery: mDNS announce plus the optional wide-area zone.
	advertiser := discovery.NewAdvertiser(logger)
	server.SetRetract(advertiser.Retract)
	server.SetTailnetAddr(discovery.TailnetIPv4)
	announce(ctx, cfg, stateDir, advertiser, logger)

	failures.Register(func(err error) bool {
		logger.Error("gateway.failure", "error", err)
		return true
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return watchConfig(gctx, cfgPath, cfg, logger) })

	registry.StartServices(ctx)
	sched.Start(ctx)
	heartbeat.Start(ctx)

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	heartbeat.Stop(stopCtx)
	sched.Stop(stopCtx)
	registry.StopServices(stopCtx)

	if err != nil && err != context.Canceled {
		failures.Report(err)
	}
}

// buildRunner creates the external agent runner, or a stub that fails
// every run when no command is configured.
func buildRunner(cfg *config.Config, logger *slog.Logger) agent.Runner {
	runner, err := agent.NewExecRunner(cfg.Agents.Defaults.Command)
	if err != nil {
		logger.Warn("agent.runner_unconfigured",
			"hint", "set agents.defaults.command to enable agent runs")
		return agent.RunnerFunc(func(ctx context.Context, req agent.Request, emit func(agent.Block)) (agent.Status, error) {
			return agent.Status{Outcome: agent.OutcomeFailed, Error: "no agent command configured"}, nil
		})
	}
	return runner
}

// cronRun delivers a scheduled job's message through the directory and
// the channel serving it, the same path as the send method.
func cronRun(cfg *config.Config, server **gateway.Server, resolver *directory.Resolver) cron.RunFunc {
	return func(ctx context.Context, job cron.Job) error {
		target := job.Target
		kind := "user"
		res, err := resolver.Resolve(ctx, directory.Request{
			Channel:   job.Channel,
			AccountID: job.Account,
			Input:     job.Target,
		})
		if err == nil {
			target = res.Target
			if res.Kind != "" {
				kind = string(res.Kind)
			}
		}

		limit := chunker.ResolveLimit(cfg, job.Channel, job.Account, 0)
		mode := chunker.ResolveMode(cfg, job.Channel)
		key := sessions.Derive(job.Channel, job.Account, sessions.PeerKind(kind), target, "")
		return (*server).Deliver(ctx, protocol.Deliver{
			Channel:    job.Channel,
			Account:    job.Account,
			Peer:       protocol.Peer{Kind: kind, ID: target},
			SessionKey: string(key),
			Chunks:     chunker.Chunk(job.Message, limit, mode),
		})
	}
}

// channelCheck reports alert when a config-enabled channel has no live
// plugin channel behind it.
func channelCheck(cfg *config.Config, registry *plugins.Registry) func(ctx context.Context) (string, string) {
	return func(ctx context.Context) (string, string) {
		for name, ch := range cfg.Channels {
			if ch == nil || !ch.Enabled {
				continue
			}
			if registry.Channel(name) == nil {
				return "alert", fmt.Sprintf("channel %s is enabled but not running", name)
			}
		}
		return "ok", ""
	}
}

// announce publishes the mDNS advertisement and syncs the wide-area zone.
// Discovery problems are logged, never fatal.
func announce(ctx context.Context, cfg *config.Config, stateDir string, advertiser *discovery.Advertiser, logger *slog.Logger) {
	if cfg.Discovery.Disabled {
		logger.Info("discovery.disabled", "reason", "config")
		return
	}
	host, _ := os.Hostname()
	ann := discovery.Announcement{
		DisplayName: cfg.Gateway.DisplayName,
		LANHost:     host,
		GatewayPort: cfg.Gateway.Port,
		CanvasPort:  cfg.Gateway.CanvasPort(),
		TLS:         cfg.Gateway.TLS.Enabled,
		CLIPath:     discovery.ResolveCLIPath(os.Getenv, os.Args),
		TailnetDNS:  discovery.TailnetDNSName(ctx),
	}
	if cfg.Gateway.TLS.Enabled {
		ann.TLSSha256 = certFingerprint(cfg.Gateway.TLS.CertFile)
	}
	if err := advertiser.Announce(ann); err != nil {
		logger.Warn("discovery.announce_failed", "error", err)
	}

	if !cfg.Discovery.WideArea.Enabled {
		return
	}
	ipv4, err := discovery.TailnetIPv4(ctx)
	if err != nil {
		logger.Warn("discovery.tailnet_unavailable", "error", err)
		return
	}
	zonePath := discovery.ZonePath(stateDir)
	changed, err := discovery.SyncZone(zonePath, discovery.ZoneInput{
		Serial:      zoneSerial(time.Now()),
		HostLabel:   zoneHostLabel(host),
		TailnetIPv4: ipv4,
		GatewayPort: cfg.Gateway.Port,
		DisplayName: cfg.Gateway.DisplayName,
	})
	if err != nil {
		logger.Warn("discovery.zone_sync_failed", "error", err)
		return
	}
	if changed {
		logger.Info("discovery.zone_updated", "path", zonePath,
			"corefile", discovery.CorefileInstruction(zonePath, ipv4))
	}
}

// certFingerprint hashes the TLS certificate for the discovery TXT
// record. Empty on read failure; the announcement still goes out.
func certFingerprint(certFile string) string {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(pem)
	return hex.EncodeToString(sum[:])
}

// zoneSerial derives a date-based zone serial (YYYYMMDDHH).
func zoneSerial(now time.Time) int64 {
	serial, _ := strconv.ParseInt(now.UTC().Format("2006010215"), 10, 64)
	return serial
}

func zoneHostLabel(host string) string {
	if host == "" {
		return "epiloop-gw"
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

// watchConfig hot-reloads the config on file changes. A replacement that
// fails to load or validate is rejected; the running config stays.
func watchConfig(ctx context.Context, cfgPath string, cfg *config.Config, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		return fmt.Errorf("watch %s: %w", cfgPath, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != cfgPath || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			next, _, err := config.Load(cfgPath)
			if err != nil {
				logger.Error("config.reload_rejected", "error", err)
				continue
			}
			cfg.ReplaceFrom(next)
			logger.Info("config.reloaded", "path", cfgPath)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config.watch_error", "error", err)
		}
	}
}
