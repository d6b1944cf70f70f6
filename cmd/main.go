// Command trafficd serves npm download traffic over HTTP.
//
// Usage:
//
//	trafficd [-c ./config/trafficdcfg.yaml]
//
// The process runs until SIGINT or SIGTERM, then drains in-flight requests
// for at most server.shutdownTimeoutSec.
package main

import (
	stdctx "context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/pkg/app"
	"github.com/npmstat/trafficd/pkg/factory"
)

func main() {
	configPath := flag.String("c", factory.TrafficdDefaultConfigPath,
		"trafficd YAML config; pass an empty string to run on built-in defaults")
	flag.Parse()

	os.Exit(run(*configPath))
}

// run returns the process exit code.
func run(configPath string) int {
	// Config loading logs through CfgLog before the configured level is known.
	_ = logger.InitLog("info", false)

	config, readError := factory.ReadConfig(configPath)
	if readError != nil {
		logger.MainLog.Errorf("config %q rejected: %v", configPath, readError)
		return 1
	}

	trafficd, appError := app.NewApp(config)
	if appError != nil {
		logger.MainLog.Errorf("wiring trafficd failed: %v", appError)
		return 1
	}

	signalContext, stopSignals := signal.NotifyContext(stdctx.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if startError := trafficd.Start(signalContext); startError != nil {
		logger.MainLog.Errorf("trafficd did not come up: %v", startError)
		return 1
	}

	<-signalContext.Done()
	logger.MainLog.Infof("signal received, draining for up to %s", app.ShutdownTimeout(config))

	drainContext, cancelDrain := stdctx.WithTimeout(stdctx.Background(), app.ShutdownTimeout(config))
	defer cancelDrain()

	if stopError := trafficd.Stop(drainContext); stopError != nil {
		logger.MainLog.Warnf("shutdown incomplete: %v", stopError)
		return 1
	}
	logger.MainLog.Info("trafficd stopped")
	return 0
}
