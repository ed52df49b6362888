package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/cascowatch/internal/config"
	"github.com/cascowatch/internal/email"
	"github.com/cascowatch/internal/handler"
	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/middleware"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/mqttbridge"
	"github.com/cascowatch/internal/push"
	"github.com/cascowatch/internal/repository"
	"github.com/cascowatch/internal/service"
	"github.com/cascowatch/internal/startup"
	"github.com/cascowatch/internal/storage"
	"github.com/cascowatch/internal/storage/memory"
	"github.com/cascowatch/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory store (no external DB/Redis required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			logger.Errorf("config: %s", p)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	pool, err := startup.OpenDatabase(ctx, cfg.DatabaseURL(), cfg.Database.MaxConnections)
	if err != nil {
		logger.Errorf("database: %v", err)
		os.Exit(1)
	}
	defer pool.Close()
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	var store storage.Store
	if *dev {
		store = memory.New(cfg.Ingest.RecentWindow, cfg.Ingest.RecentMax)
		logger.Info("dev: in-memory session/cache store")
	} else {
		rc, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, cfg.Ingest.RecentWindow, cfg.Ingest.RecentMax, 60*time.Second)
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		store = rc
	}
	defer store.Close()

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = randomSecret()
		logger.Warnf("JWT_SECRET не задан: сгенерирован временный секрет, токены не переживут перезапуск")
	}

	var pusher service.PushSender
	vapidPublic := ""
	keys, err := push.ResolveVAPIDKeys(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, push.DefaultVAPIDKeysPath)
	if err != nil {
		logger.Errorf("push disabled: %v", err)
	} else {
		provider := push.NewProvider(keys, cfg.Push.Subscriber)
		pusher = provider
		vapidPublic = provider.PublicKey()
	}

	userRepo := repository.NewUserRepository(pool)
	sensorRepo := repository.NewSensorRepository(pool)
	readingRepo := repository.NewReadingRepository(pool)
	notificationRepo := repository.NewNotificationRepository(pool)

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		RetryAttempts: cfg.Notify.RetryAttempts,
		RetryDelay:    cfg.Notify.RetryDelay,
		SweepBatch:    cfg.Notify.SweepBatch,
		SweepMaxAge:   cfg.Notify.SweepMaxAge,
	}, notificationRepo, userRepo, store, email.NewSender(&cfg.SMTP), pusher)

	hub := ws.NewHub(cfg.MaxWSConnections)
	dispatcher.SetRealtime(hub)

	ingest := service.NewIngestService(sensorRepo, readingRepo, store, dispatcher, cfg.Ingest.BatchMax)
	ingest.SetBroadcaster(hub)

	auth := service.NewAuthService(service.SessionConfig{
		Secret:      []byte(cfg.Auth.JWTSecret),
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		AccessTTL:   cfg.Auth.AccessTTL,
		SessionTTL:  cfg.Auth.SessionTTL,
		MaxSessions: cfg.Auth.MaxSessions,
	}, userRepo, store)

	if *dev {
		seedDevAdmin(ctx, userRepo)
	}

	var bgWg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context)) {
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			fn(ctx)
			logger.Infof("%s stopped", name)
		}()
	}
	runBackground("hub", hub.Run)
	if cfg.MQTT.BrokerURL != "" {
		bridge := mqttbridge.New(cfg.MQTT, ingest)
		runBackground("mqtt bridge", func(ctx context.Context) {
			if err := bridge.Run(ctx); err != nil {
				logger.Errorf("mqtt bridge: %v", err)
			}
		})
	}
	if *dev {
		// В -dev отдельный worker не нужен: in-memory store виден только этому процессу.
		maint := service.NewMaintenance(dispatcher, readingRepo, cfg.Notify.SweepInterval, cfg.Ingest.RetentionDays)
		runBackground("maintenance", maint.Run)
	}

	checks := map[string]handler.HealthCheck{"db": pool.Ping}
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks["redis"] = p.Ping
	}

	r := newRouter(cfg, routes{
		auth:          auth,
		authH:         handler.NewAuthHandler(auth),
		readingH:      handler.NewReadingHandler(ingest),
		notificationH: handler.NewNotificationHandler(dispatcher),
		pushH:         handler.NewPushHandler(store),
		configH:       handler.NewConfigHandler(vapidPublic),
		wsH:           handler.NewWSHandler(hub, userRepo, cfg.CORSAllowedOrigins, cfg.WSSendBufferSize),
		healthH:       handler.NewHealthHandler(checks),
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
		}
		stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgWg.Wait()
	logger.Info("background workers stopped")
}

type routes struct {
	auth          middleware.TokenAuthenticator
	authH         *handler.AuthHandler
	readingH      *handler.ReadingHandler
	notificationH *handler.NotificationHandler
	pushH         *handler.PushHandler
	configH       *handler.ConfigHandler
	wsH           *handler.WSHandler
	healthH       *handler.HealthHandler
}

func newRouter(cfg *config.Config, h routes) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.EchoRequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			middleware.SessionIDHeader, middleware.RefreshTokenHeader, middleware.DeviceTokenHeader},
		ExposedHeaders:   []string{middleware.AccessTokenHeader, chimw.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.healthH.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimitAPI)

		r.Get("/config/push", h.configH.GetPushConfig)
		r.Post("/auth/login", h.authH.Login)
		r.Post("/auth/refresh", h.authH.Refresh)

		r.Route("/devices/cascos/{cascoId}", func(r chi.Router) {
			r.Use(middleware.RateLimitDevice(func(req *http.Request) string { return chi.URLParam(req, "cascoId") }))
			r.Post("/readings", h.readingH.DeviceCreate)
			r.Post("/readings/batch", h.readingH.DeviceCreateBatch)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(h.auth))
			r.Use(middleware.RateLimitUser)

			r.Post("/auth/logout", h.authH.Logout)
			r.Post("/auth/logout-all", h.authH.LogoutAll)
			r.Get("/auth/sessions", h.authH.Sessions)
			r.Get("/auth/me", h.authH.Me)

			r.Get("/readings", h.readingH.List)
			r.Get("/readings/aggregate", h.readingH.Aggregate)
			r.Get("/sensors/{id}/recent", h.readingH.Recent)
			r.Get("/cascos/{id}/latest", h.readingH.Latest)
			r.Get("/cascos/{id}/sensors", h.readingH.Sensors)
			r.Get("/miners/{id}/series", h.readingH.Series)

			r.Get("/notifications", h.notificationH.List)
			r.Get("/notifications/unread-count", h.notificationH.UnreadCount)
			r.Put("/notifications/read-all", h.notificationH.MarkAllRead)
			r.Get("/notifications/{id}", h.notificationH.Get)
			r.Put("/notifications/{id}/read", h.notificationH.MarkRead)
			r.Delete("/notifications/{id}", h.notificationH.Delete)
			r.Delete("/notifications", h.notificationH.Clear)

			r.Post("/push/subscribe", h.pushH.Subscribe)
			r.Delete("/push/subscribe", h.pushH.Unsubscribe)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleSupervisor, model.RoleAdmin))
				r.Post("/readings", h.readingH.Create)
				r.Post("/readings/batch", h.readingH.CreateBatch)
				r.Post("/notifications", h.notificationH.Send)
				r.Post("/notifications/bulk", h.notificationH.SendBulk)
			})
		})
	})

	r.With(middleware.BearerAuth(h.auth)).Get("/ws", h.wsH.ServeWS)
	return r
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// seedDevAdmin создаёт администратора для локального стенда (-dev), если его ещё нет.
func seedDevAdmin(ctx context.Context, users *repository.UserRepository) {
	const devEmail = "admin@cascowatch.local"
	exists, err := users.EmailExists(ctx, devEmail)
	if err != nil {
		logger.Errorf("dev seed: %v", err)
		return
	}
	if exists {
		return
	}
	password := os.Getenv("DEV_ADMIN_PASSWORD")
	if password == "" {
		password = "admin12345"
	}
	hash, err := service.HashPassword(password)
	if err != nil {
		logger.Errorf("dev seed hash: %v", err)
		return
	}
	err = users.Create(ctx, &model.User{
		ID:           uuid.NewString(),
		Email:        devEmail,
		Name:         "Administrador",
		Role:         model.RoleAdmin,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		logger.Errorf("dev seed create: %v", err)
		return
	}
	logger.Infof("dev seed: создан администратор %s", devEmail)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "cascowatch"
		password = "cascowatch_secret"
		database = "cascowatch"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
