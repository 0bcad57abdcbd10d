package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context) (*Application, error) {
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	container, err := NewContainer(appCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	app := &Application{
		ctx:       appCtx,
		cancel:    cancel,
		container: container,
	}
	app.container.Logger().Info("Application initialized successfully")
	return app, nil
}

// Run blocks until a signal arrives or one of the workers fails. The
// consumer, the deadline sweeper and the HTTP API stop together.
func (app *Application) Run() error {
	g, ctx := errgroup.WithContext(app.ctx)
	g.Go(func() error { return app.container.ConsumerService().Start(ctx) })
	g.Go(func() error { return app.container.Sweeper().Start(ctx) })
	g.Go(func() error { return app.container.HTTPServer().Start(ctx) })
	return g.Wait()
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.container != nil {
		app.container.Logger().Info("Starting application shutdown...")
	}

	if app.cancel != nil {
		app.cancel()
	}

	if app.container != nil {
		app.container.Shutdown(context.Background())
	}
}
