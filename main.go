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

	"gridspace/catalog"
	"gridspace/server"
)

// catalogStore 空间目录 + 身份校验 + 种子写入
type catalogStore interface {
	server.SpaceDirectory
	server.IdentityVerifier
	catalog.Writer
}

// GridSpace 入口：加载配置，启动 WebSocket 协调服务与管理接口
func main() {
	var (
		configPath string
		addr       string
		dbPath     string
		seedPath   string
	)
	flag.StringVar(&configPath, "config", "", "yaml config file")
	flag.StringVar(&addr, "addr", "", "server listen address, overrides config, e.g. :3001")
	flag.StringVar(&dbPath, "db", "", "sqlite catalog path, overrides config")
	flag.StringVar(&seedPath, "seed", "", "yaml seed file with spaces and tokens, overrides config")
	flag.Parse()

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dbPath != "" {
		cfg.Catalog.DSN = dbPath
	}
	if seedPath != "" {
		cfg.Catalog.SeedFile = seedPath
	}

	if err := server.InitLogger(cfg.Log); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	store, closeStore, err := openCatalog(cfg.Catalog)
	if err != nil {
		server.Log.Fatalf("catalog: %v", err)
	}
	defer closeStore()

	rm := server.NewRoomManager()
	gw := server.NewGateway(rm, store, store, cfg.WS)

	mux := http.NewServeMux()
	mux.Handle(cfg.WS.Path, gw)
	// 管理与监控接口
	mux.HandleFunc("/admin/config", server.HandleAdminConfig(rm))
	mux.HandleFunc("/admin/rooms", server.HandleRooms(rm))
	mux.HandleFunc("/metrics", server.HandleMetrics(rm, gw))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		server.Log.Infof("GridSpace listening on %s; websocket at %s", cfg.Addr, cfg.WS.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		server.Log.Warnf("shutdown: %v", err)
	}
}

func openCatalog(cfg server.CatalogConfig) (catalogStore, func(), error) {
	var (
		store   catalogStore
		closeFn = func() {}
	)
	switch cfg.Driver {
	case "memory":
		store = catalog.NewMemory()
	default:
		db, err := catalog.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		store = db
		closeFn = func() { _ = db.Close() }
	}

	if cfg.SeedFile != "" {
		seed, err := catalog.LoadSeed(cfg.SeedFile)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := seed.Apply(context.Background(), store); err != nil {
			closeFn()
			return nil, nil, err
		}
		server.Log.Infof("seed applied: %d spaces, %d users", len(seed.Spaces), len(seed.Users))
	}
	return store, closeFn, nil
}
