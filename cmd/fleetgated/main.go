package main

import (
	"context"
	"flag"
	"log"

	"github.com/fleetgate/fleetgate/pkg/config"
	"github.com/fleetgate/fleetgate/pkg/gateway"
	"github.com/fleetgate/fleetgate/pkg/lifecycle"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

var configFile = flag.String("config", "/etc/fleetgate/fleetgated.json", "Path to config file")

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfg config.GatewayConfig

	if err := config.LoadAndValidate(ctx, *configFile, &cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logImpl, err := logger.NewComponent(cfg.Logging, "fleetgated")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	gw, err := gateway.New(&cfg, logImpl)
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}

	opts := &lifecycle.Options{
		ServiceName: "fleetgated",
		Service:     gw,
		Logger:      logImpl,
		Reload:      gw.ReloadPolicy,
	}

	if err := lifecycle.Run(ctx, opts); err != nil {
		log.Fatalf("Service error: %v", err)
	}
}
