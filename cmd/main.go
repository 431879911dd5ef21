package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "lifeboat/docs"
	"lifeboat/internal/alerts"
	"lifeboat/internal/bootflag"
	"lifeboat/internal/cmdserver"
	"lifeboat/internal/config"
	"lifeboat/internal/coordinator"
	"lifeboat/internal/handlers"
	"lifeboat/internal/health"
	"lifeboat/internal/logger"
	"lifeboat/internal/metrics"
	"lifeboat/internal/netwatch"
	"lifeboat/internal/ota"
	"lifeboat/internal/platform/simflash"
	"lifeboat/internal/recovery"
	"lifeboat/internal/repository"
	"lifeboat/internal/repository/db"
	"lifeboat/internal/server"
	"lifeboat/internal/service"
	"lifeboat/internal/wsradio"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("LIFEBOAT_CONFIG"))
	if err != nil {
		logger.Get("info").Fatalw("error reading config", "err", err)
	}
	log := logger.Get(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	conn, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A restart re-runs the boot sequence in-process, which re-reads the
	// partition table and picks the boot target.
	for boot := 1; ; boot++ {
		log.Infow("boot", "n", boot)
		restart, err := runBoot(ctx, cfg, conn, log)
		if err != nil {
			log.Fatalw("boot failed", "err", err)
		}
		if !restart || ctx.Err() != nil {
			break
		}
		log.Infow("restarting")
	}
	log.Infow("lifeboat stopped")
}

// runBoot wires one boot's worth of components and blocks until a signal or
// a restart request. It reports whether a restart was requested.
func runBoot(parent context.Context, cfg config.Config, conn *sql.DB, log *logger.Logger) (bool, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	restartCh := make(chan struct{})
	var restartOnce sync.Once
	requestRestart := func() { restartOnce.Do(func() { close(restartCh) }) }

	repos := repository.NewRepository(conn)

	flash, err := simflash.Open(cfg.Flash.Dir, cfg.Flash.SlotSize,
		simflash.WithRestart(requestRestart), simflash.WithLogger(log.Named("flash")))
	if err != nil {
		return false, err
	}
	flag := bootflag.New(repos.KV, log.Named("bootflag"))

	m := metrics.NewCollector()
	if err := m.Register(); err != nil {
		return false, err
	}
	alertLog := alerts.New(repos.Alerts, m, log.Named("alerts"))

	escalations := coordinator.NewEscalationQueue()
	monitor := health.NewMonitor(flash, flash, flag, alertLog, escalations,
		health.WithLogger(log.Named("health")), health.WithMetrics(m))

	radio := wsradio.New(nil, log.Named("radio"))
	controller := recovery.NewController(radio, cfg.Recovery.DeviceName, uuid.MustParse(cfg.Recovery.ServiceUUID),
		recovery.WithWatchdog(cfg.Recovery.WatchdogInterval), recovery.WithLogger(log.Named("recovery")))

	coord := coordinator.New(controller, monitor, flash, flag, alertLog, escalations,
		coordinator.WithLogger(log.Named("syscoord")), coordinator.WithMetrics(m))

	session := ota.NewSession(flash, ota.WithSessionLogger(log.Named("ota")), ota.WithSessionMetrics(m))
	bridge := ota.NewRecoveryBridge(session, coord, flash,
		ota.WithPrefix(cfg.Recovery.CommandPrefix),
		ota.WithQuiescer(monitor),
		ota.WithBridgeLogger(log.Named("ota_recovery")))
	controller.AddObserver(bridge)
	radio.SetLink(bridge)

	updater := ota.NewStreamUpdater(flash, flash,
		ota.WithDrainDelay(cfg.OTA.DrainDelay),
		ota.WithRecvTimeout(cfg.OTA.RecvTimeout),
		ota.WithStreamLogger(log.Named("ota_stream")),
		ota.WithStreamMetrics(m))

	auth := service.NewAuthService(repos.KV, cfg.Command.DefaultToken, cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL)
	status := service.NewStatusService(coord, flash, flag, monitor, controller, alertLog)
	services := service.NewService(service.Deps{
		Repos:     repos,
		Auth:      auth,
		Mode:      coord,
		Escalator: coord,
		Status:    status,
		Alerts:    alertLog,
	})

	watcher := netwatch.New(cfg.Network.ProbeAddr, coord.PrimaryLink(),
		netwatch.WithLogger(log.Named("netwatch")),
		netwatch.WithTimeout(cfg.Network.ProbeTimeout),
		netwatch.WithHealthyInterval(cfg.Network.HealthyInterval),
		netwatch.WithRetry(cfg.Network.RetryInitial, cfg.Network.RetryMax))

	commands := cmdserver.New(auth, coord.PrimaryLink(), coord, updater,
		cmdserver.WithStatus(status),
		cmdserver.WithErrorSource(watcher),
		cmdserver.WithLogger(log.Named("cmd")))

	// The controller must be consuming commands before Init disables the radio.
	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	goRun(controller.Run)
	goRun(monitor.Run)
	goRun(coord.Run)

	if err := coord.Init(ctx); err != nil {
		cancel()
		wg.Wait()
		return false, err
	}

	goRun(watcher.Run)
	goRun(func(ctx context.Context) {
		if err := commands.ListenAndServe(ctx, addrFromPort(cfg.Command.Port)); err != nil {
			log.Errorw("command server stopped", "err", err)
			cancel()
		}
	})

	gin.SetMode(gin.ReleaseMode)
	api := &server.Server{}
	apiHandler := handlers.NewHandler(services, log.Named("api"), handlers.WithMetrics(m.Handler()))
	runHTTPServer(api, cfg.HTTP.Port, apiHandler.InitRoutes(), "api", log, cancel)

	lifeboat := &server.Server{}
	runHTTPServer(lifeboat, cfg.Recovery.Listen, recoveryRoutes(radio), "recovery", log, cancel)

	restart := false
	select {
	case <-ctx.Done():
	case <-restartCh:
		restart = true
	}
	log.Infow("shutting down", "restart", restart)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, srv := range []*server.Server{api, lifeboat} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("server forced to shutdown", "err", err)
		}
	}
	wg.Wait()
	return restart, nil
}

// recoveryRoutes exposes the radio stand-in: scan plus the single peer link.
func recoveryRoutes(radio *wsradio.Radio) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/lifeboat/scan", radio.Scan)
	r.GET("/lifeboat", radio.Connect)
	return r
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *gin.Engine, name string, log *logger.Logger, fail context.CancelFunc) {
	go func() {
		if err := srv.Run(port, handler); err != nil {
			log.Errorw("error starting server", "server", name, "err", err)
			fail()
		}
	}()
}

// addrFromPort accepts "3333" as well as ":3333" or "host:3333".
func addrFromPort(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
