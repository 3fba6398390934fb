package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"wbkv/internal/api"
	"wbkv/internal/codec"
	"wbkv/internal/config"
	"wbkv/internal/core"
	"wbkv/internal/kvstore"
	"wbkv/internal/logger"
	"wbkv/internal/metrics"
)

const (
	pprofAddress    = "localhost:6060"
	serverStateName = "server_state"
)

// serverState survives restarts in the flat store column.
type serverState struct {
	Starts        int64     `json:"starts"`
	LastStartedAt time.Time `json:"last_started_at"`
}

func main() {
	cfgPath := flag.String("config", "", "Config path")
	flag.Parse()

	cfg, err := config.LoadConfigurationFromFile(*cfgPath)
	if err != nil {
		log.Fatalf("Config Error: %v", err)
	}

	if err := logger.InitializeLogger(cfg.LogDirectoryPath, cfg.LogSeverityLevel); err != nil {
		log.Fatal(err)
	}
	defer logger.ShutdownLogger()

	configureRuntime(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.LogErrorEvent("Server stopped: %v", err)
		logger.ShutdownLogger()
		os.Exit(1)
	}
}

func configureRuntime(cfg config.SystemConfiguration) {
	if cfg.MaximumCpuCount > 0 {
		runtime.GOMAXPROCS(cfg.MaximumCpuCount)
	}
	metrics.Global = metrics.SystemMetricsRegistry{}
	if _, err := metrics.InitializeMetricsSink(10*time.Second, time.Minute); err != nil {
		logger.LogWarningEvent("Metrics sink unavailable: %v", err)
	}
	if cfg.EnablePprofProfiling {
		go func() {
			logger.LogInfoEvent("pprof listening on %s", pprofAddress)
			if err := http.ListenAndServe(pprofAddress, nil); err != nil {
				logger.LogWarningEvent("pprof stopped: %v", err)
			}
		}()
	}
}

// openStores opens the document and counter stores served over HTTP.
func openStores(sc *core.StorageContext, cfg config.SystemConfiguration) (*kvstore.Store[string, []byte], *kvstore.Store[string, int64], error) {
	compression, err := codec.ParseCompression(cfg.ValueCompression)
	if err != nil {
		return nil, nil, err
	}
	opts := kvstore.OptionsFromConfiguration(cfg)

	documents, err := kvstore.Open(sc, api.DocumentsStoreName, codec.String(), codec.Compressed(codec.Bytes(), compression), opts)
	if err != nil {
		return nil, nil, err
	}
	counters, err := kvstore.Open(sc, api.CountersStoreName, codec.String(), codec.Int64(), opts)
	if err != nil {
		return nil, nil, err
	}
	return documents, counters, nil
}

// recordStart bumps the persisted start counter. The storage context saves it
// again on Close.
func recordStart(sc *core.StorageContext) (serverState, error) {
	state := core.NewFlat(serverStateName, codec.JSON[serverState](), serverState{})
	if err := sc.RegisterFlatStore(state); err != nil {
		return serverState{}, err
	}
	current := state.Update(func(s serverState) serverState {
		s.Starts++
		s.LastStartedAt = time.Now().UTC()
		return s
	})
	logger.LogInfoEvent("Server start #%d", current.Starts)
	return current, sc.Save(false)
}

func printAdminToken(cfg config.SystemConfiguration) {
	if cfg.AuthenticationToken != "" {
		return
	}
	token, err := api.IssueToken(cfg, "admin", 24*time.Hour)
	if err != nil {
		logger.LogErrorEvent("Failed to issue admin token: %v", err)
		return
	}
	fmt.Printf("ADMIN TOKEN: %s\n", token)
}

// run serves until ctx is cancelled, then drains the stores and closes the
// engine within the configured shutdown timeout.
func run(ctx context.Context, cfg config.SystemConfiguration) error {
	sc, err := core.NewStorageContext(cfg)
	if err != nil {
		return err
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	metrics.StartSystemMonitor(monitorCtx, 10*time.Second)

	documents, counters, err := openStores(sc, cfg)
	if err != nil {
		sc.Close(cfg.ShutdownTimeout())
		return err
	}
	if _, err := recordStart(sc); err != nil {
		sc.Close(cfg.ShutdownTimeout())
		return err
	}
	printAdminToken(cfg)

	router := &api.HttpApiRouter{
		Configuration: cfg,
		Context:       sc,
		Documents:     documents,
		Counters:      counters,
	}
	server := &fasthttp.Server{
		Handler:      router.GetFastHTTPHandler(),
		Name:         metrics.ServiceName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	served := make(chan error, 1)
	go func() {
		logger.LogInfoEvent("Listening on %s", addr)
		served <- server.ListenAndServe(addr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.LogInfoEvent("Shutdown requested, draining")
		serveErr = server.ShutdownWithContext(context.Background())
	case serveErr = <-served:
	}

	closeErr := sc.Close(cfg.ShutdownTimeout())
	if errors.Is(closeErr, core.ErrShutdownTimeout) {
		logger.LogErrorEvent("Pending writes did not drain within %v", cfg.ShutdownTimeout())
	}
	return errors.Join(serveErr, closeErr)
}
