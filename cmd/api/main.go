package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rolegate.org/internal/config"
	"rolegate.org/internal/httpapi"
	"rolegate.org/internal/obs"
	"rolegate.org/internal/perms"
	"rolegate.org/internal/platform"
	"rolegate.org/internal/rolesync"
	"rolegate.org/internal/tasks"
	"rolegate.org/internal/verify"
)

var version = "0.3.1"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("ROLEGATE_COMMIT"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Подключение к БД (если задан DSN); без него работаем на in-memory
	// хранилищах — удобно для локальной разработки.
	var db *sql.DB
	if dsn := os.Getenv("ROLEGATE_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	var (
		verifyStore verify.Store
		syncStore   rolesync.Store
		permStore   perms.Store
		configStore config.Store
	)
	if db != nil {
		verifyStore = verify.NewPG(db)
		syncStore = rolesync.NewPG(db)
		permStore = perms.NewPG(db)
		configStore = config.NewPGStore(db)
	} else {
		log.Println("ROLEGATE_PG_DSN is not set, using in-memory stores")
		verifyStore = verify.NewInMemory()
		syncStore = rolesync.NewInMemory()
		permStore = perms.NewInMemory()
		configStore = config.NewInMemory()
	}

	cfg := config.NewManager(configStore)

	keeper := verify.NewKeeper(verifyStore, cfg)
	if err := keeper.Ensure(ctx); err != nil {
		log.Fatalf("verification keys: %v", err)
	}
	verifier := verify.NewVerifier(verifyStore, keeper, cfg)

	facts := platform.NewFactsClient(envOr("ROLEGATE_FACTS_URL", "http://127.0.0.1:8090"))
	roles := platform.NewRolesClient(envOr("ROLEGATE_ROLES_URL", "http://127.0.0.1:8090"))
	engine := rolesync.NewEngine(syncStore, verifier, facts, roles, cfg)

	resolver := perms.NewResolver(permStore)

	// Фоновые задачи: ротация-очистка устаревших ключей раз в час.
	pool := tasks.NewPool(2, 16)
	defer pool.Stop()
	go tasks.Periodic(ctx, "prune_verification_keys", time.Hour, func(ctx context.Context) error {
		return pool.Submit(func(ctx context.Context) {
			n, err := keeper.Prune(ctx)
			if err != nil {
				obs.LogEvent(map[string]any{"event": "key_prune_failed", "error": err.Error()})
				return
			}
			if n > 0 {
				obs.LogEvent(map[string]any{"event": "keys_pruned", "removed": n})
			}
		})
	})

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(probe, version, verifier, engine, resolver, cfg)

	srv := &http.Server{
		Addr:              envOr("ROLEGATE_ADDR", ":8080"),
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health — опционально, для балансировщиков.
	if addr := os.Getenv("ROLEGATE_GRPC_ADDR"); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := httpapi.ServeGRPC(ctx, lis, probe); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting rolegate-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
