package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/deteval/pkg/detect"
	"github.com/cyclopcam/deteval/pkg/prefixlog"
	"github.com/cyclopcam/deteval/server"
	"github.com/cyclopcam/logs"
	"github.com/joho/godotenv"
)

func main() {
	parser := argparse.NewParser("evalserver", "HTTP service that evaluates object detectors against labelled images")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: "evalserver.json"})
	port := parser.String("p", "port", &argparse.Options{Help: "HTTP listen address", Default: ":8080"})
	envFile := parser.String("", "env", &argparse.Options{Help: "Optional .env file with secrets such as DETEVAL_API_KEY", Default: ".env"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("Error loading %v: %v", *envFile, err)
	}

	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	detector, closeDetector, err := detect.New(context.Background(), prefixlog.New(logger, "detector"), cfg.Detector)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer closeDetector()

	srv, err := server.NewServer(logger, *cfg, detector)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(*port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		os.Exit(1)
	}
	<-srv.ShutdownComplete
	logger.Infof("Exiting")
}
