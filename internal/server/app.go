// Package server initializes and runs the relay application. It wires the
// user directory, connection registry and relay service together, handles
// graceful shutdown, and starts the websocket endpoint.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/tabrelay/internal/logging"
	"github.com/dmitrijs2005/tabrelay/internal/server/config"
	"github.com/dmitrijs2005/tabrelay/internal/server/directory"
	"github.com/dmitrijs2005/tabrelay/internal/server/registry"
	"github.com/dmitrijs2005/tabrelay/internal/server/relay"
	"github.com/dmitrijs2005/tabrelay/internal/server/transport/ws"
)

type App struct {
	config *config.Config
	logger logging.Logger
	relay  *relay.Service
	db     *sql.DB
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(c.Debug)

	var dir directory.Repository
	var db *sql.DB

	if c.DatabaseDSN == "mem" {
		dir = directory.NewMemoryRepository()
	} else {
		var err error
		dir, db, err = directory.OpenPostgres(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
	}

	svc := relay.NewService(dir, registry.New(), logger)

	return &App{config: c, logger: logger, relay: svc, db: db}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startWSServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s := ws.NewServer(app.config.EndpointAddr, app.relay, app.logger)
	s.SetShutdownTimeout(app.config.ShutdownTimeout)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startWSServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, err.Error())
		}
	}
}
