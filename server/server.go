package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/server/resultdb"
	"github.com/cyclopcam/deteval/server/storage"
	"github.com/cyclopcam/deteval/server/storagecache"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Server exposes the evaluator over HTTP.
// Runs execute in the background. Their progress is available by polling or over a websocket,
// and their results are saved to the result database once they finish.
type Server struct {
	Log              logs.Log
	Results          *resultdb.ResultDB
	ShutdownComplete chan bool // Closed when Shutdown has finished

	config       Config
	detector     nn.Detector
	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	storage      storage.Storage
	imageCache   *storagecache.StorageCache
	closeStorage func()

	runCtx    context.Context // Cancelled on Shutdown, which aborts all active runs
	runCancel context.CancelFunc
	runsWG    sync.WaitGroup
	runsLock  sync.Mutex
	runs      map[int64]*activeRun

	shutdownOnce sync.Once
}

func NewServer(logger logs.Log, cfg Config, detector nn.Detector) (*Server, error) {
	cfg.setDefaults()

	results, err := resultdb.NewResultDB(logger, cfg.DB)
	if err != nil {
		return nil, err
	}
	// Anything still marked as running was killed along with the previous process
	if n, err := results.MarkInterrupted(); err != nil {
		return nil, err
	} else if n != 0 {
		logger.Warnf("Marked %v interrupted runs as failed", n)
	}

	var storageServer storage.Storage
	closeStorage := func() {}
	if cfg.Storage.GCS != nil {
		gcs, err := storage.NewStorageGCS(logger, cfg.Storage.GCS.Bucket)
		if err != nil {
			return nil, err
		}
		storageServer = gcs
		closeStorage = func() { gcs.Close() }
	} else if cfg.Storage.Filesystem != nil {
		storageServer, err = storage.NewStorageFS(logger, cfg.Storage.Filesystem.Root)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')")
	}

	cacheDir := cfg.ImageCache
	if cacheDir == "" {
		cacheDir = "deteval-image-cache"
	}
	imageCache, err := storagecache.NewStorageCache(logger, storageServer, cacheDir, int64(cfg.ImageCacheMB)*1024*1024)
	if err != nil {
		closeStorage()
		return nil, err
	}

	s := &Server{
		Log:              logger,
		Results:          results,
		config:           cfg,
		detector:         detector,
		storage:          storageServer,
		imageCache:       imageCache,
		closeStorage:     closeStorage,
		ShutdownComplete: make(chan bool),
		runs:             map[int64]*activeRun{},
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.setupHttpRoutes()
	return s, nil
}

// Handler returns the HTTP handler of all our routes
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown cancels all active runs, waits for them to record their state, and stops the HTTP server
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		s.runsLock.Lock()
		s.runCancel()
		s.runsLock.Unlock()
		s.runsWG.Wait()
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.Log.Warnf("HTTP server shutdown: %v", err)
			}
		}
		s.closeStorage()
		if sqlDB, err := s.Results.DB.DB(); err == nil {
			sqlDB.Close()
		}
		s.Log.Infof("Shutdown complete")
		close(s.ShutdownComplete)
	})
}
