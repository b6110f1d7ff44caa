// latticed is the lattice silo daemon: it hosts actor activations, serves
// the envelope transport to peer silos, drains the outbox, fires
// reminders, and exposes activation metadata plus Prometheus metrics over
// HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/redis/go-redis/v9"
	"github.com/roasbeef/lattice/internal/build"
	"github.com/roasbeef/lattice/internal/config"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/dispatch"
	"github.com/roasbeef/lattice/internal/hashring"
	"github.com/roasbeef/lattice/internal/inbox"
	"github.com/roasbeef/lattice/internal/membership"
	"github.com/roasbeef/lattice/internal/metrics"
	"github.com/roasbeef/lattice/internal/outbox"
	"github.com/roasbeef/lattice/internal/placement"
	"github.com/roasbeef/lattice/internal/reminder"
	"github.com/roasbeef/lattice/internal/silo"
	"github.com/roasbeef/lattice/internal/state"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/roasbeef/lattice/internal/wire"

	"github.com/roasbeef/lattice/internal/deadletter"
	"github.com/roasbeef/lattice/internal/mailbox"
	"github.com/roasbeef/lattice/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "latticed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		siloID     = flag.String("silo-id", "", "Cluster silo ID")
		listenAddr = flag.String("listen", "", "Transport listen address")
		dbPath     = flag.String("db", "", "Path to SQLite database")
		adminAddr  = flag.String("admin", "localhost:7421",
			"Admin/metrics HTTP address (empty to disable)")
		logLevel = flag.String("loglevel", "",
			"Log level: trace, debug, info, warn, error")
		logDir = flag.String("logdir", "",
			"Log directory (empty for stdout only)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Flags beat both the file and the environment.
	if *siloID != "" {
		cfg.Silo.ID = *siloID
	}
	if *listenAddr != "" {
		cfg.Transport.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logDir != "" {
		cfg.Logging.File = *logDir
	}

	logMgr, logCloser, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser()
	}
	installLoggers(logMgr)
	logMgr.SetLevels(build.ParseLevel(cfg.Logging.Level))

	log := logMgr.Logger(build.SubLattice)
	ctx := context.Background()

	log.InfoS(ctx, "Starting latticed",
		"version", build.Version(),
		"silo_id", cfg.Silo.ID,
		"listen", cfg.Transport.ListenAddr)

	// Open the database, applying migrations.
	store, err := db.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer store.Close()

	states := state.NewSQLiteStore(store)
	outboxStore := outbox.NewStore(store)
	inboxStore := inbox.NewStore(store)
	reminderStore := reminder.NewStore(store)

	// Cluster directory: a consistent hash ring fed by the membership
	// registry, plus the hierarchical ring when geo placement is on. This
	// silo joins first so single-node deployments place everything
	// locally.
	ring := hashring.NewRing()
	var hier *hashring.HierarchicalRing
	if cfg.GeoPlacement() {
		hier = hashring.NewHierarchicalRing(
			hashring.DefaultHierConfig(),
		)
	}
	members := membership.NewRegistry(cfg.MembershipRuntime(), ring, hier)
	members.Start()
	defer members.Stop()

	self := membership.SiloInfo{
		ID:         cfg.Silo.ID,
		Address:    cfg.Transport.ListenAddr,
		Region:     cfg.Silo.Region,
		Zone:       cfg.Silo.Zone,
		ShardGroup: cfg.Silo.ShardGroup,
	}
	if err := members.Join(self); err != nil {
		return err
	}
	for peerID, addr := range cfg.Silo.Peers {
		peer := membership.SiloInfo{ID: peerID, Address: addr}
		if err := members.Join(peer); err != nil {
			return err
		}
	}

	// Redis directory, when configured: cross-process presence and
	// join/leave announcements layered over the local registry.
	if cfg.Membership.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Membership.RedisAddr,
			Password: cfg.Membership.RedisPassword,
			DB:       cfg.Membership.RedisDB,
		})
		defer rdb.Close()

		dir := membership.NewRedisDirectory(rdb, members, self)
		if err := dir.Start(ctx); err != nil {
			return fmt.Errorf("unable to start redis "+
				"directory: %w", err)
		}
		defer dir.Stop(ctx)

		log.InfoS(ctx, "Redis membership directory up",
			"addr", cfg.Membership.RedisAddr)
	}

	policy := cfg.PlacementPolicy(ring, hier)

	// Actor registries, sealed once the built-ins are in.
	factories := silo.NewFactoryRegistry()
	dispatchers := dispatch.NewRegistry()
	if err := registerBuiltins(factories, dispatchers, states); err != nil {
		return err
	}
	factories.Freeze()
	dispatchers.Freeze()

	m := metrics.New()

	host := silo.New(cfg.SiloRuntime(), factories, dispatchers)
	host.SetMembership(members, policy)
	host.SetMetrics(m)
	host.SetSupervisor(cfg.SupervisorRuntime(),
		func(identity string, failure error) {
			log.ErrorS(ctx, "Actor failure escalated", failure,
				"actor", identity)
		},
	)

	tr := transport.NewGRPCTransport(cfg.TransportRuntime())
	tr.SetReceiver(host)
	if err := tr.Start(); err != nil {
		return fmt.Errorf("unable to start transport: %w", err)
	}
	defer tr.Stop()

	host.SetTransport(tr)
	host.Start()
	defer host.Stop(ctx)

	log.InfoS(ctx, "Transport listening", "addr", tr.Addr())

	// Dial every configured peer. Failures are logged, not fatal; the
	// peer may simply not be up yet and Send will redial.
	for peerID, addr := range cfg.Silo.Peers {
		if err := tr.Connect(ctx, peerID, addr); err != nil {
			log.WarnS(ctx, "Unable to connect peer", err,
				"peer", peerID, "addr", addr)
		}
	}

	// Outbox drainer: replay unsent messages through cluster routing,
	// preserving message IDs for receiver-side dedupe.
	drainer := outbox.NewDrainer(
		outbox.DefaultDrainerConfig(), outboxStore,
		func(ctx context.Context, msg *outbox.Message) error {
			actorType, actorID, err := splitIdentity(
				msg.Destination,
			)
			if err != nil {
				return err
			}

			env := wire.NewRequest(
				actorType, actorID, msg.MessageType,
				msg.Payload,
			)
			env.MessageID = msg.MessageID

			return host.Route(ctx, env)
		},
	)
	drainer.Start()
	defer drainer.Stop()

	// Reminder scanner: fires only identities this silo owns under the
	// ring.
	scanner := reminder.NewScanner(
		reminder.DefaultScannerConfig(), reminderStore,
		host.Owns, func(ctx context.Context, env *wire.Envelope) error {
			err := host.Post(ctx, env)
			if err != nil {
				m.RecordReminderFiring("error")
			} else {
				m.RecordReminderFiring("ok")
			}
			return err
		},
	)
	scanner.Start()
	defer scanner.Stop()

	// Admin surface: Prometheus metrics plus activation metadata for the
	// CLI.
	var adminSrv *http.Server
	if *adminAddr != "" {
		adminSrv = newAdminServer(*adminAddr, host, m)
		go func() {
			err := adminSrv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				log.ErrorS(ctx, "Admin server failed", err)
			}
		}()
		log.InfoS(ctx, "Admin server listening", "addr", *adminAddr)
	}

	// Inbox retention: processed-message entries only matter inside the
	// dedupe window, so sweep the old ones on a slow cadence.
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := inboxStore.Cleanup(
					cleanupCtx, inbox.DefaultRetention,
				)
				if err != nil {
					log.WarnS(cleanupCtx,
						"Inbox cleanup failed", err)
				} else if n > 0 {
					log.DebugS(cleanupCtx,
						"Inbox cleanup",
						"removed", n)
				}

			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.InfoS(ctx, "Shutting down", "signal", sig.String())

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(
			ctx, 5*time.Second,
		)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}

	return nil
}

// setupLogging builds the log manager, adding a rotating file handler when
// a log directory is configured.
func setupLogging(cfg config.LoggingConfig) (*build.LogManager, func(),
	error) {

	stdout := btclogv2.NewDefaultHandler(os.Stdout)

	if cfg.File == "" {
		return build.NewLogManager(stdout), nil, nil
	}

	rotator := build.NewRotatingLogWriter()
	rotCfg := build.DefaultLogRotatorConfig()
	rotCfg.LogDir = cfg.File
	if err := rotator.InitLogRotator(rotCfg); err != nil {
		return nil, nil, err
	}

	fileHandler := btclogv2.NewDefaultHandler(rotator)
	mgr := build.NewLogManager(stdout, fileHandler)

	return mgr, func() { _ = rotator.Close() }, nil
}

// installLoggers hands every package its subsystem logger.
func installLoggers(mgr *build.LogManager) {
	hashring.UseLogger(mgr.Logger(build.SubRing))
	placement.UseLogger(mgr.Logger(build.SubPlacement))
	membership.UseLogger(mgr.Logger(build.SubMember))
	transport.UseLogger(mgr.Logger(build.SubTransport))
	mailbox.UseLogger(mgr.Logger(build.SubMailbox))
	deadletter.UseLogger(mgr.Logger(build.SubDeadLtr))
	supervisor.UseLogger(mgr.Logger(build.SubSuper))
	silo.UseLogger(mgr.Logger(build.SubSilo))
	dispatch.UseLogger(mgr.Logger(build.SubDispatch))
	state.UseLogger(mgr.Logger(build.SubState))
	outbox.UseLogger(mgr.Logger(build.SubOutbox))
	inbox.UseLogger(mgr.Logger(build.SubInbox))
	reminder.UseLogger(mgr.Logger(build.SubReminder))
	db.UseLogger(mgr.Logger(build.SubDB))
}

// newAdminServer serves /metrics and the activation metadata endpoints.
func newAdminServer(addr string, host *silo.Silo,
	m *metrics.Metrics) *http.Server {

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/v1/actors", func(w http.ResponseWriter,
		r *http.Request) {

		q := silo.Query{
			TypeFilter: r.URL.Query().Get("type"),
			IDGlob:     r.URL.Query().Get("glob"),
		}
		if v := r.URL.Query().Get("page"); v != "" {
			q.Page, _ = strconv.Atoi(v)
		}
		if v := r.URL.Query().Get("page_size"); v != "" {
			q.PageSize, _ = strconv.Atoi(v)
		}

		writeJSON(w, host.QueryActivations(q))
	})

	mux.HandleFunc("/v1/actors/counts", func(w http.ResponseWriter,
		_ *http.Request) {

		counts, total := host.CountsByType()
		writeJSON(w, struct {
			Counts map[string]int `json:"counts"`
			Total  int            `json:"total"`
		}{Counts: counts, Total: total})
	})

	mux.HandleFunc("/v1/deadletters", func(w http.ResponseWriter,
		_ *http.Request) {

		entries := host.DeadLetters().Entries()
		out := make([]deadLetterView, 0, len(entries))
		for _, e := range entries {
			view := deadLetterView{
				ActorID:    e.ActorID,
				RetryCount: e.RetryCount,
				EnqueuedAt: e.EnqueuedAt,
			}
			if e.Err != nil {
				view.Error = e.Err.Error()
			}
			if e.Message != nil {
				view.ActorType = e.Message.ActorType
				view.Method = e.Message.MethodName
				view.MessageID = e.Message.MessageID
			}
			out = append(out, view)
		}

		writeJSON(w, out)
	})

	return &http.Server{Addr: addr, Handler: mux}
}

// deadLetterView is the JSON shape of one dead letter entry.
type deadLetterView struct {
	ActorType  string    `json:"actorType"`
	ActorID    string    `json:"actorId"`
	Method     string    `json:"method"`
	MessageID  string    `json:"messageId"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retryCount"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
