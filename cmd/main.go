package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/concrnt/apnode/actor"
	"github.com/concrnt/apnode/ap"
	"github.com/concrnt/apnode/apclient"
	"github.com/concrnt/apnode/api"
	"github.com/concrnt/apnode/inbox"
	"github.com/concrnt/apnode/outbox"
	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
	"github.com/concrnt/apnode/waker"
	"github.com/concrnt/apnode/worker"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

const (
	actorCacheSize = 1024
	keyCacheSize   = 1024
)

type keyPair struct {
	private   *rsa.PrivateKey
	publicPEM string
}

func main() {
	_ = godotenv.Load()

	var configFile string
	rootCmd := &cobra.Command{
		Use:   "apnode",
		Short: "Single actor ActivityPub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		serveCmd(&configFile),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server and the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configFile)
		},
	}
}

func keygenCmd() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new RSA key pair for apConfig.privateKey",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := signature.GenerateKey(bits)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), priv)
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "key size")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "apnode %s (%s, built %s on %s)\n", version, goVersion, buildTime, buildMachine)
		},
	}
}

func setupLogger(config Server) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if config.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if config.LogLevel != "" {
		level, err := zapcore.ParseLevel(config.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "invalid server.logLevel")
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func openDB(config Server, log *zap.Logger) (*gorm.DB, error) {
	gormLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var dialector gorm.Dialector
	switch config.Driver {
	case "postgres":
		dialector = postgres.Open(config.Dsn)
	case "mysql":
		dialector = mysql.Open(config.Dsn)
	case "sqlite":
		dialector = sqlite.Open(config.Dsn)
	default:
		return nil, errors.Errorf("unknown database driver %q", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName(config.Driver),
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup tracing plugin")
	}
	return db, nil
}

func openRedis(config Server) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: config.RedisAddr,
		DB:   config.RedisDB,
	})
	err := redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup tracing plugin")
	}
	return rdb, nil
}

func serve(ctx context.Context, configFile string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, err := loadConfig(configPaths(configFile))
	if err != nil {
		return err
	}

	log, err := setupLogger(config.Server)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("apnode starting", zap.String("version", version), zap.String("actor", config.ApConfig.ActorID()))

	keys, err := loadKeys(config.ApConfig)
	if err != nil {
		return err
	}

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "apnode"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}

	e := echo.New()
	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := setupTraceProvider(config.Server.TraceEndpoint, config.ApConfig.FQDN+"/apnode", version)
		if err != nil {
			return errors.Wrap(err, "failed to setup trace provider")
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.ApConfig.FQDN, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("apnode"))
	e.Use(middleware.Recover())

	db, err := openDB(config.Server, log)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to connect database")
	}
	defer sqlDB.Close()

	log.Info("start migrate")
	if err := db.AutoMigrate(types.AllModels()...); err != nil {
		return errors.Wrap(err, "failed to migrate")
	}

	var mc *memcache.Client
	if config.Server.MemcachedAddr != "" {
		mc = memcache.New(config.Server.MemcachedAddr)
		defer mc.Close()
	}

	var rdb *redis.Client
	if config.Server.RedisAddr != "" {
		rdb, err = openRedis(config.Server)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var wake waker.Waker
	switch {
	case rdb != nil:
		wake = waker.NewRedis(rdb, log.Named("waker"))
	case config.Server.Driver == "postgres":
		pg := waker.NewPostgres(db, config.Server.Dsn, log.Named("waker"))
		if err := pg.Listen(ctx, waker.QueueOutgoing, waker.QueueIncoming); err != nil {
			log.Warn("postgres notifications unavailable, polling only", zap.Error(err))
		}
		wake = pg
	default:
		wake = waker.NewLocal()
	}

	storeService := store.NewStore(db)
	signer := signature.NewSigner(keys.private, config.ApConfig.KeyID(), apclient.UserAgent)
	client := apclient.NewApClient(nil, signer, mc, log.Named("apclient"))

	directory, err := actor.NewDirectory(storeService, client, actorCacheSize, config.ApConfig, log.Named("actor"))
	if err != nil {
		return err
	}
	verifier, err := signature.NewVerifier(directory, keyCacheSize, config.ApConfig, log.Named("signature"))
	if err != nil {
		return err
	}
	ldsigner := signature.NewLDSigner(keys.private, nil)

	composer := outbox.NewComposer(storeService, directory, client, wake, config.ApConfig, log.Named("outbox"))
	processor := inbox.NewProcessor(storeService, directory, composer, client, ldsigner, config.ApConfig, log.Named("inbox"))

	metrics := worker.NewMetrics(nil)
	workers := worker.NewWorker(
		worker.NewOutgoing(storeService, client, ldsigner, metrics, log.Named("outgoing")),
		worker.NewIncoming(storeService, processor, metrics, log.Named("incoming")),
		wake,
		config.Worker,
		log.Named("worker"),
	)

	apService := ap.NewService(storeService, wake, config.NodeInfo, config.ApConfig, keys.publicPEM, log.Named("ap"))
	ap.NewHandler(apService, verifier, log.Named("ap")).Register(e)

	if config.Server.ApiToken == "" {
		log.Warn("server.apiToken is empty, the /api routes reject every request")
	}
	apiService := api.NewService(storeService, composer, client, config.ApConfig, log.Named("api"))
	api.NewHandler(apiService, log.Named("api")).Register(e, config.Server.ApiToken)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.PingContext(ctx)
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		if rdb != nil {
			err = rdb.Ping(ctx).Err()
			if err != nil {
				return c.String(http.StatusInternalServerError, "redis error")
			}
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		workers.Run(workerCtx)
	}()

	port := ":8000"
	envport := os.Getenv("APNODE_PORT")
	if envport != "" {
		port = ":" + envport
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", port))
		if err := e.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serverErr:
		log.Error("server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to stop server", zap.Error(err))
	}

	cancelWorkers()
	<-workersDone
	log.Info("stopped")
	return err
}
