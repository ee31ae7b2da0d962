package main

import (
	"flag"
	"fmt"
	"os"

	"spot_engine/internal/bootstrap"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.Logger.Error("Engine exited with error", "error", err.Error())
		os.Exit(1)
	}
}
