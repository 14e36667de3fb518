package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gawd-ai/sctl/internal/config"
	"github.com/gawd-ai/sctl/internal/httpapi"
	"github.com/gawd-ai/sctl/internal/logging"
	"github.com/gawd-ai/sctl/internal/shellsvc"
	"github.com/gawd-ai/sctl/internal/tunnel/client"
	"github.com/gawd-ai/sctl/internal/tunnel/relay"
	"github.com/gawd-ai/sctl/internal/xfer"
)

func main() {
	confPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", "serve", "Run mode: serve (relay + HTTP API) or device")
	deviceName := flag.String("device", "", "Device name to register as (mode=device)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *confPath != "" {
		cfg, err = config.Load(*confPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.GlobalCfg = cfg

	log := logging.Init(logging.Options{Level: cfg.Log.Level, Path: cfg.Log.Path})
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "serve":
		runServe(ctx, cfg, log)
	case "device":
		runDevice(ctx, cfg, log, *deviceName)
	default:
		fmt.Printf("unknown mode %q\n", *mode)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, log *zap.Logger) {
	log.Info("sctl relay starting", zap.String("listen", cfg.Tunnel.Listen))

	authFn := func(device, apiKey string) bool {
		entry, ok := cfg.Devices[device]
		return ok && entry.APIKey == apiKey
	}
	r := relay.NewRelay(authFn, log)
	r.QueueSize = cfg.Tunnel.WriteQueueSize
	r.RequestTimeout = time.Duration(cfg.Tunnel.RequestTimeoutSecs) * time.Second
	r.BinaryTimeout = time.Duration(cfg.Tunnel.BinaryTimeoutSecs) * time.Second

	router := mux.NewRouter()
	httpapi.MountRelay(router, r)
	router.PathPrefix("/ws").HandlerFunc(r.ServeHTTP)

	srv := &http.Server{Addr: cfg.Tunnel.Listen, Handler: router}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("relay server exited", zap.Error(err))
	}
	log.Info("sctl relay stopped")
}

func runDevice(ctx context.Context, cfg *config.Config, log *zap.Logger, deviceName string) {
	if deviceName == "" {
		deviceName = cfg.DefaultDevice
	}
	entry, ok := cfg.Devices[deviceName]
	if !ok {
		log.Fatal("unknown device", zap.String("device", deviceName))
	}

	root := entry.PlaybooksDir
	if root == "" {
		root, _ = os.Getwd()
	}
	manager := xfer.NewManager(xfer.Config{
		MaxTransfers:    cfg.Transfer.MaxTransfers,
		MaxUploadSize:   cfg.Transfer.MaxUploadSize,
		DefaultChunk:    cfg.Transfer.DefaultChunk,
		IdlePauseSecs:   cfg.Transfer.IdlePauseSecs,
		TerminalTTLSecs: cfg.Transfer.TerminalTTLSecs,
		Root:            root,
	}, log)
	defer manager.Stop()

	c := client.New(client.Config{
		URL:             entry.URL,
		Device:          deviceName,
		APIKey:          entry.APIKey,
		StableThreshold: time.Duration(cfg.Tunnel.StableThresholdSecs) * time.Second,
	}, manager, log)
	client.RegisterTransferHandlers(c, manager)

	sessions := shellsvc.NewRegistry()
	client.RegisterSessionHandlers(c, sessions)

	// The device also serves STP directly for clients that can reach it
	// without the relay. No streaming endpoints are mounted here.
	router := mux.NewRouter()
	httpapi.MountSTP(router, manager)
	srv := &http.Server{Addr: cfg.Tunnel.DeviceListen, Handler: router}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("device http server exited", zap.Error(err))
		}
	}()

	log.Info("sctl device client starting", zap.String("device", deviceName), zap.String("url", entry.URL))
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("device client exited", zap.Error(err))
	}
	log.Info("sctl device client stopped")
}
