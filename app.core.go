package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type AppProvider interface {
	Run() error
	Serve() func() error
	Stop(context.Context, context.Context) func() error
}

type App struct {
	logger   *zap.Logger
	config   *Config
	server   *http.Server
	closers  []func() error
	cleanups []func()
}

// NewApp provides an instance of App.
func NewApp() (AppProvider, error) {
	config, err := LoadAndInitConfigs(GitCommit, GitTag, BuildTime)
	if err != nil {
		return nil, fmt.Errorf("failed to setup app configuration: %s", err)
	}

	// ensure the logs folder exists and Setup the logging module.
	if err = os.MkdirAll(config.LogFolder, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create logging folder: %s", err)
	}
	clock := NewClock(config.IsProduction)
	logWriter := NewRSyncWriter(config, clock)
	logger, flusher := SetupLogging(config, logWriter, NewTickClock(clock))
	cleanups := []func(){
		func() {
			if ferr := flusher(); ferr != nil {
				fmt.Println("error during flushing of logs: ", ferr)
			}
		},
		func() {
			if cerr := logWriter.Close(); cerr != nil {
				fmt.Println("error during closing of log file: ", cerr)
			}
		},
	}

	var closers []func() error
	fail := func(err error) (AppProvider, error) {
		for _, c := range closers {
			_ = c()
		}
		for _, f := range cleanups {
			f()
		}
		return nil, err
	}

	// Setup the books storage based on the configured driver.
	var bookStorage BookStorage
	switch config.Storage.Driver {
	case BoltDriver:
		boltDBClient, err := GetBoltDBClient(config)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to boltDB database: %s", err))
		}
		closers = append(closers, boltDBClient.Close)
		bookStorage = NewBoltBookStorage(logger, &config.BoltDB, boltDBClient)
	case RedisDriver:
		redisClient, err := GetRedisClient(config)
		if err != nil {
			_ = redisClient.Close()
			return fail(fmt.Errorf("failed to connect to redis server: %s", err))
		}
		closers = append(closers, redisClient.Close)
		bookStorage = NewRedisBookStorage(logger, redisClient)
	default:
		db, err := GetPostgresClient(config)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to postgres server: %s", err))
		}
		closers = append(closers, db.Close)
		if config.Postgres.AutoMigrate {
			if err = MigratePostgres(context.Background(), db); err != nil {
				return fail(fmt.Errorf("failed to migrate postgres schema: %s", err))
			}
			logger.Info("postgres schema migrated")
		}
		bookStorage = NewPostgresBookStorage(logger, db)
	}

	if config.CSRF.AuthKey == "" {
		logger.Warn("no csrf auth key configured. a random one is used and forms sessions will not survive a restart")
	}
	csrf, err := NewCSRFProtection(&config.CSRF)
	if err != nil {
		return fail(fmt.Errorf("failed to setup csrf protection: %s", err))
	}

	renderer, err := NewTemplateRenderer()
	if err != nil {
		return fail(fmt.Errorf("failed to load pages templates: %s", err))
	}

	idsHandler := NewIDsHandler()
	metrics := NewMetrics()
	ratings := NewRatingsClient(logger, &config.Ratings, metrics)
	bookService := NewBookService(logger, bookStorage)

	apiService := NewAPIHandler(
		logger,
		config,
		&Statistics{
			version:   config.GitTag,
			container: IsAppRunningInDocker(),
			started:   clock.Now(),
			runtime:   runtime.Version(),
			platform:  runtime.GOOS + "/" + runtime.GOARCH,
		},
		clock,
		idsHandler,
		bookService,
		ratings,
		renderer,
		csrf,
		metrics,
	)

	// Use git commit in case the tag is not set.
	if config.GitTag == "" {
		apiService.stats.version = config.GitCommit
	}

	// Build the map of middlewares stacks.
	middlewaresPublic, middlewaresForms, middlewaresBookForms, middlewaresOps := apiService.MiddlewaresStacks()

	// Configure the endpoints with their handlers and middlewares.
	router := apiService.SetupRoutes(httprouter.New(),
		&MiddlewareMap{
			public:    middlewaresPublic.Chain,
			forms:     middlewaresForms.Chain,
			bookForms: middlewaresBookForms.Chain,
			ops:       middlewaresOps.Chain,
		},
	)
	// Wrap the router with the default http timeout handler.
	routerWithTimeout := http.TimeoutHandler(
		router,
		config.Server.RequestTimeout,
		"Timeout. Processing taking too long. Please reach out to support.")

	// Build the api server definition.
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port),
		Handler:        routerWithTimeout,
		ReadTimeout:    config.Server.ReadTimeout,
		WriteTimeout:   config.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // Max headers size : 1MB
	}

	return &App{
		logger:   logger,
		config:   config,
		server:   srv,
		closers:  closers,
		cleanups: cleanups,
	}, nil
}

// Run starts the api web server and a goroutine which is responsible to stop it.
func (app *App) Run() error {
	defer app.Clean()
	nCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(nCtx)

	g.Go(app.Serve())
	g.Go(app.Stop(nCtx, gCtx))

	err := g.Wait()
	app.logger.Info("api server stopped",
		zap.String("app.host", app.config.Server.Host),
		zap.String("app.port", app.config.Server.Port),
		zap.Error(err),
	)
	return err
}

// Clean calls all registered cleanups functions.
func (app *App) Clean() {
	for _, f := range app.cleanups {
		f()
	}
}

// Serve starts the api web server. It returned error
// will be caught by the errorgroup.
func (app *App) Serve() func() error {
	return func() error {
		app.logger.Info("api server starting",
			zap.String("app.host", app.config.Server.Host),
			zap.String("app.port", app.config.Server.Port),
			zap.String("app.storage", app.config.Storage.Driver),
		)
		err := app.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	}
}

// Stop listens for the group context and triggers the server graceful shutdown.
// It states the reason of its call. We proceed with a brutal shutdown if the
// the graceful did not complete successfully. We explicitly return `nil` to
// allow the errorgroup catches only the `Serve` method result. The storage
// and redis connections are closed once no more request is being served.
func (app *App) Stop(nCtx, gCtx context.Context) func() error {
	return func() error {
		<-gCtx.Done()

		if nCtx.Err() != nil {
			app.logger.Info("api server stopping. reason: requested to stop")
		} else {
			app.logger.Info("api server stopping. reason: errored at running")
		}

		sCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()
		err := app.server.Shutdown(sCtx)
		switch {
		case err == nil, errors.Is(err, http.ErrServerClosed):
			app.logger.Info("api server graceful shutdown succeeded")
		case errors.Is(err, context.DeadlineExceeded):
			app.logger.Info("api server graceful shutdown timed out")
		default:
			app.logger.Info("api server graceful shutdown failed", zap.Error(err))
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Info("api server going to force shutdown", zap.Error(app.server.Close()))
		}

		for _, c := range app.closers {
			if cerr := c(); cerr != nil {
				app.logger.Error("failed to close a backend connection", zap.Error(cerr))
			}
		}
		return nil
	}
}
