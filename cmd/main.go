package main

import (
	"context"
	stdlog "log"

	"fulfillmentservice/internal/app"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatalf("fulfillment service failed: %v", err)
	}
}

func run() error {
	application, err := app.NewApplication(context.Background())
	if err != nil {
		return err
	}
	defer application.Shutdown()

	return application.Run()
}
