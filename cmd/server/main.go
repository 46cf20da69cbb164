package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"panda-hub/internal/api"
	"panda-hub/internal/api/middleware"
	"panda-hub/internal/event"
	"panda-hub/internal/metrics"
	"panda-hub/internal/repository/postgres"
	"panda-hub/internal/scheduler"
	schedulerjobs "panda-hub/internal/scheduler/jobs"
	"panda-hub/internal/service"
	"panda-hub/internal/sse"
	systemlog "panda-hub/pkg/logger"
)

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"database"`
	Log struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
	} `mapstructure:"log"`
	Security struct {
		InternalSecret     string `mapstructure:"internal_secret"`
		InternalSecretFile string `mapstructure:"internal_secret_file"`
	} `mapstructure:"security"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
	Debug struct {
		PprofEnabled bool `mapstructure:"pprof_enabled"`
	} `mapstructure:"debug"`
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheck())
		case "migrate":
			if err := runMigrateCommand(); err != nil {
				// #nosec G705 -- CLI output only; control characters are stripped.
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		case "create-owner":
			if err := runCreateOwnerCommand(os.Args[2:]); err != nil {
				// #nosec G705 -- CLI output only; control characters are stripped.
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	logger, systemLogStore, err := newLogger(cfg)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync() //nolint:errcheck

	isDebugMode := strings.EqualFold(cfg.App.Env, "development")
	if !isDebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	dbPool, err := newDBPool(context.Background(), cfg)
	if err != nil {
		logger.Fatal("connect database failed", zap.Error(err))
	}
	defer dbPool.Close()

	accountRepo := postgres.NewAccountRepository(dbPool)
	codeRepo := postgres.NewReferralCodeRepository(dbPool)
	keyRepo := postgres.NewKeyRepository(dbPool)
	auditRepo := postgres.NewAuditRepository(dbPool)

	sseHub := sse.NewHub(logger)
	defer sseHub.Close()

	eventBus := event.NewBus()

	systemSvc := service.NewSystemService(dbPool, auditRepo, sseHub, logger)
	ledgerSvc := service.NewLedgerService(accountRepo, auditRepo, dbPool, eventBus, sseHub, logger)
	keySvc := service.NewKeyService(keyRepo, accountRepo, auditRepo, dbPool, ledgerSvc, systemSvc, eventBus, sseHub, logger)
	referralSvc := service.NewReferralService(codeRepo, accountRepo, auditRepo, dbPool, eventBus, sseHub, logger)
	accountSvc := service.NewAccountService(accountRepo, auditRepo, eventBus, sseHub, logger)
	auditSvc := service.NewAuditService(auditRepo, dbPool)
	notificationSvc := service.NewNotificationService(accountRepo, systemSvc, dbPool, logger)

	jwtPrivateKey, err := loadRSAPrivateKey()
	if err != nil {
		logger.Fatal("load jwt private key failed", zap.Error(err))
	}
	authSvc := service.NewAuthService(accountRepo, auditRepo, dbPool, jwtPrivateKey)

	ledgerSvc.SetStatusNotifier(notificationSvc.NotifyStatusChange)
	registerNotificationSubscribers(eventBus, notificationSvc, logger)
	middleware.SetAuditRepository(auditRepo)
	if _, err := systemSvc.GetConfig(context.Background()); err != nil {
		logger.Warn("load system config failed", zap.Error(err))
	}

	expiryJob := schedulerjobs.NewExpiryJob(ledgerSvc, logger)
	cronRunner := scheduler.NewScheduler(scheduler.Deps{
		ExpiryJob: expiryJob,
	}, logger)
	cronRunner.Start()
	defer func() {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(buildCORSMiddleware(cfg))
	router.Use(middleware.RequestLogger(logger))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	readyHandler := func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Database.PingTimeout)
		defer cancel()

		if err := dbPool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  "database unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}

	router.GET("/health", healthHandler)
	router.GET("/health/ready", readyHandler)
	router.GET("/api/v1/health", healthHandler)
	router.GET("/api/v1/health/ready", readyHandler)

	internalMetrics := router.Group("/internal")
	internalMetrics.Use(middleware.InternalTokenAuth(cfg.Security.InternalSecret))
	internalMetrics.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if isDebugMode && cfg.Debug.PprofEnabled {
		registerPprofRoutes(router)
		logger.Info("pprof endpoint enabled", zap.String("path", "/debug/pprof/"))
	}

	api.RegisterV1Routes(router, api.Deps{
		AuthService:     authSvc,
		AccountService:  accountSvc,
		LedgerService:   ledgerSvc,
		ReferralService: referralSvc,
		KeyService:      keySvc,
		AuditService:    auditSvc,
		SystemService:   systemSvc,
		SSEHub:          sseHub,
		LogStore:        systemLogStore,
	})
	api.RegisterInternalRoutes(router, keySvc, cfg.Security.InternalSecret)

	stopMetricsCollector := startMetricsCollector(sseHub, logger)
	defer stopMetricsCollector()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		if err != nil {
			logger.Fatal("server exited unexpectedly", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server failed", zap.Error(err))
	}
}

func loadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PANDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "PANDA_DATABASE_URL", "DATABASE_URL")

	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.ping_timeout", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("security.internal_secret", "")
	v.SetDefault("security.internal_secret_file", "")
	v.SetDefault("cors.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("debug.pprof_enabled", false)

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return Config{}, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config failed: %w", err)
	}

	if strings.TrimSpace(cfg.Security.InternalSecret) == "" && strings.TrimSpace(cfg.Security.InternalSecretFile) != "" {
		// #nosec G304 -- path is provided by operator config.
		raw, err := os.ReadFile(strings.TrimSpace(cfg.Security.InternalSecretFile))
		if err != nil {
			return Config{}, fmt.Errorf("read security.internal_secret_file failed: %w", err)
		}
		cfg.Security.InternalSecret = strings.TrimSpace(string(raw))
	}

	if cfg.Database.URL == "" {
		return Config{}, errors.New("database.url is required")
	}

	if cfg.Database.MaxConns <= 0 {
		return Config{}, errors.New("database.max_conns must be greater than 0")
	}

	if cfg.Database.PingTimeout <= 0 {
		return Config{}, errors.New("database.ping_timeout must be greater than 0")
	}

	if len(cfg.CORS.AllowOrigins) == 0 {
		return Config{}, errors.New("cors.allow_origins must not be empty")
	}
	for _, origin := range cfg.CORS.AllowOrigins {
		if strings.TrimSpace(origin) == "*" {
			return Config{}, errors.New("cors.allow_origins must not contain wildcard *")
		}
	}

	return cfg, nil
}

func newLogger(cfg Config) (*zap.Logger, *systemlog.SystemLogStore, error) {
	var zapCfg zap.Config
	if strings.EqualFold(cfg.App.Env, "development") {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Log.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log.level: %w", err)
		}
	}

	if cfg.Log.Encoding != "" {
		zapCfg.Encoding = cfg.Log.Encoding
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger failed: %w", err)
	}

	logStore := systemlog.NewSystemLogStore(1000)
	logger = systemlog.WrapZapLogger(logger, logStore)
	return logger, logStore, nil
}

func newDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url failed: %w", err)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	if cfg.Database.MaxConns > maxInt32 {
		return nil, fmt.Errorf("database.max_conns must be <= %d", maxInt32)
	}

	poolCfg.MaxConns = int32(cfg.Database.MaxConns) // #nosec G115 -- validated upper bound above.

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}

	return pool, nil
}

func buildCORSMiddleware(cfg Config) gin.HandlerFunc {
	origins := make([]string, 0, len(cfg.CORS.AllowOrigins))
	for _, origin := range cfg.CORS.AllowOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins = append(origins, trimmed)
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func registerPprofRoutes(router *gin.Engine) {
	pprofGroup := router.Group("/debug/pprof")
	pprofGroup.GET("/", gin.WrapF(pprof.Index))
	pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
	pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
	pprofGroup.POST("/symbol", gin.WrapF(pprof.Symbol))
	pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
	pprofGroup.GET("/allocs", gin.WrapH(pprof.Handler("allocs")))
	pprofGroup.GET("/block", gin.WrapH(pprof.Handler("block")))
	pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
	pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
	pprofGroup.GET("/mutex", gin.WrapH(pprof.Handler("mutex")))
	pprofGroup.GET("/threadcreate", gin.WrapH(pprof.Handler("threadcreate")))
}

func startMetricsCollector(sseHub *sse.SSEHub, logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}

	stopCh := make(chan struct{})

	collect := func() {
		if sseHub != nil {
			metrics.SetSSEClients(sseHub.ConnectedCount())
		}
	}

	collect()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				collect()
			}
		}
	}()

	return func() {
		close(stopCh)
	}
}

// Balance below this triggers a low-balance telegram nudge.
const lowBalanceThreshold = int64(100)

// registerNotificationSubscribers wires best-effort telegram delivery
// onto ledger events. Status-change notifications go through the
// ledger's notifier hook instead, after the bookkeeping commit.
func registerNotificationSubscribers(
	bus *event.Bus,
	notificationSvc *service.NotificationService,
	logger *zap.Logger,
) {
	if bus == nil || notificationSvc == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bus.Subscribe(event.EventCodeRedeemed, func(payload any) {
		redeemed, ok := normalizeCodeRedeemedPayload(payload)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		durationDays := ""
		if redeemed.DurationDays > 0 {
			durationDays = fmt.Sprintf("%d", redeemed.DurationDays)
		}

		if err := notificationSvc.SendToAccount(ctx, redeemed.AccountID, service.NotificationCodeRedeemed, map[string]string{
			"code":          redeemed.Code,
			"balance":       fmt.Sprintf("%d", redeemed.Balance),
			"duration_days": durationDays,
		}); err != nil {
			logger.Warn("send code redeemed notification failed",
				zap.String("account_id", redeemed.AccountID),
				zap.Error(err),
			)
		}
	})

	bus.Subscribe(event.EventBalanceUpdated, func(payload any) {
		updated, ok := normalizeBalanceUpdatedPayload(payload)
		if !ok || updated.UnlimitedBalance || updated.ModID != "" {
			return
		}
		if updated.Balance <= 0 || updated.Balance >= lowBalanceThreshold {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := notificationSvc.SendToAccount(ctx, updated.AccountID, service.NotificationBalanceLow, map[string]string{
			"balance": fmt.Sprintf("%d", updated.Balance),
		}); err != nil {
			logger.Warn("send low balance notification failed",
				zap.String("account_id", updated.AccountID),
				zap.Error(err),
			)
		}
	})
}

func normalizeCodeRedeemedPayload(payload any) (event.CodeRedeemedPayload, bool) {
	switch data := payload.(type) {
	case event.CodeRedeemedPayload:
		return data, strings.TrimSpace(data.AccountID) != ""
	case *event.CodeRedeemedPayload:
		if data == nil {
			return event.CodeRedeemedPayload{}, false
		}
		return *data, strings.TrimSpace(data.AccountID) != ""
	default:
		return event.CodeRedeemedPayload{}, false
	}
}

func normalizeBalanceUpdatedPayload(payload any) (event.BalanceUpdatedPayload, bool) {
	switch data := payload.(type) {
	case event.BalanceUpdatedPayload:
		return data, strings.TrimSpace(data.AccountID) != ""
	case *event.BalanceUpdatedPayload:
		if data == nil {
			return event.BalanceUpdatedPayload{}, false
		}
		return *data, strings.TrimSpace(data.AccountID) != ""
	default:
		return event.BalanceUpdatedPayload{}, false
	}
}

func loadRSAPrivateKey() (*rsa.PrivateKey, error) {
	pem := strings.TrimSpace(os.Getenv("PANDA_JWT_PRIVATE_KEY"))
	if pem == "" {
		path := strings.TrimSpace(os.Getenv("PANDA_JWT_PRIVATE_KEY_FILE"))
		if path != "" {
			// #nosec G304,G703 -- path is provided by operator environment variable.
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			pem = string(raw)
		}
	}
	if pem == "" {
		return nil, errors.New("jwt private key not configured")
	}
	return jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
}

func runMigrateCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	migrationDir := "/migrations"
	if _, statErr := os.Stat(migrationDir); statErr != nil {
		migrationDir = "./migrations"
	}

	migrationSource := "file://" + migrationDir
	if err := runMigrateUp(migrationSource, cfg.Database.URL); err != nil {
		normalizedDir, normalizeErr := normalizeMigrationDir(migrationDir)
		if normalizeErr != nil {
			return fmt.Errorf("run migrations failed: %w", err)
		}
		defer func() {
			_ = os.RemoveAll(normalizedDir)
		}()

		normalizedSource := "file://" + normalizedDir
		if retryErr := runMigrateUp(normalizedSource, cfg.Database.URL); retryErr != nil {
			return fmt.Errorf("run migrations failed: %w; fallback failed: %v", err, retryErr)
		}
	}

	fmt.Println("migrations applied successfully")
	return nil
}

func runMigrateUp(sourceURL, databaseURL string) error {
	migrator, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer migrator.Close() //nolint:errcheck

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations failed: %w", err)
	}
	return nil
}

func normalizeMigrationDir(srcDir string) (string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", fmt.Errorf("read migration dir failed: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "panda-migrations-*")
	if err != nil {
		return "", fmt.Errorf("create temp migration dir failed: %w", err)
	}

	vPattern := regexp.MustCompile(`^V([0-9]+)__(.+)\.(up|down)\.sql$`)
	nPattern := regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if vPattern.MatchString(name) || nPattern.MatchString(name) {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		return "", errors.New("no migration files found")
	}

	for _, name := range files {
		targetName := name
		if match := vPattern.FindStringSubmatch(name); len(match) == 4 {
			targetName = fmt.Sprintf("%s_%s.%s.sql", match[1], match[2], match[3])
		}

		srcPath := filepath.Join(srcDir, name)
		dstPath := filepath.Join(tmpDir, targetName)
		if err := copyFile(srcPath, dstPath); err != nil {
			return "", fmt.Errorf("copy migration %s failed: %w", name, err)
		}
	}

	return tmpDir, nil
}

func copyFile(srcPath, dstPath string) error {
	// #nosec G304 -- source path is derived from migration directory listing.
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	// #nosec G304 -- destination path is created in a temporary directory under our control.
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = dst.Close()
	}()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}

	return dst.Sync()
}

func runCreateOwnerCommand(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	fs := flag.NewFlagSet("create-owner", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var username string
	var password string

	fs.StringVar(&username, "username", "owner", "owner username")
	fs.StringVar(&password, "password", "", "owner password")

	if err := fs.Parse(args); err != nil {
		return err
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username is required")
	}
	if !isStrongPassword(password) {
		return errors.New("password must be >=12 chars and include upper/lowercase letters and digits")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database config failed: %w", err)
	}
	poolCfg.MaxConns = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect database failed: %w", err)
	}
	defer pool.Close()

	var existingID uuid.UUID
	err = pool.QueryRow(ctx, `SELECT id FROM accounts WHERE username = $1`, username).Scan(&existingID)
	if err == nil {
		fmt.Printf("owner account '%s' already exists, skip\n", username)
		return nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("query owner account failed: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return fmt.Errorf("hash password failed: %w", err)
	}

	_, err = pool.Exec(
		ctx,
		`INSERT INTO accounts (
			id, username, password_hash, role, active,
			balance, unlimited_balance, last_status,
			created_at, updated_at
		) VALUES (
			gen_random_uuid(), $1, $2, 'owner', TRUE,
			0, TRUE, 'active',
			NOW(), NOW()
		)`,
		username,
		string(hashed),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			fmt.Printf("owner account '%s' already exists, skip\n", username)
			return nil
		}
		return fmt.Errorf("create owner failed: %w", err)
	}

	fmt.Printf("owner account '%s' created successfully\n", username)
	return nil
}

func isStrongPassword(password string) bool {
	if len(password) < 12 {
		return false
	}
	hasLower := regexp.MustCompile(`[a-z]`).MatchString(password)
	hasUpper := regexp.MustCompile(`[A-Z]`).MatchString(password)
	hasDigit := regexp.MustCompile(`[0-9]`).MatchString(password)
	return hasLower && hasUpper && hasDigit
}

func runHealthcheck() int {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://localhost:8080/health/ready")
	if err != nil {
		return 1
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func sanitizeCLIError(err error) string {
	if err == nil {
		return ""
	}

	text := strings.ReplaceAll(err.Error(), "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.TrimSpace(text)
}
