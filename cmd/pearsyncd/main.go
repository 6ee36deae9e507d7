// pearsync daemon
//
// Embeds the reconciliation engine: loads the sync-config registry from the
// state database, resumes every registered sync, watches the filesystem and
// drives engine ticks until interrupted.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/config"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/metrics"
	"github.com/pearsync/pearsync/internal/notify"
	"github.com/pearsync/pearsync/internal/reconcile"
	"github.com/pearsync/pearsync/internal/statecache"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// tickInterval paces reconciliation when nothing wakes the engine sooner.
const tickInterval = 500 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("pearsync daemon starting...",
		zap.String("state_db", cfg.StateDBPath),
		zap.Int("scan_workers", cfg.ScanWorkers))

	db, err := statecache.Open(cfg.StateDBPath)
	if err != nil {
		logging.Fatal("unable to open state database", zap.Error(err))
	}
	defer db.Close()

	cipher, err := statecache.NewCipher(sessionKey(cfg.SessionKey))
	if err != nil {
		logging.Fatal("invalid session key", zap.Error(err))
	}

	engine, err := reconcile.New(reconcile.Options{
		FS:          filesystem.NewLocal(),
		Client:      cloud.NewMemory(),
		DB:          db,
		Cipher:      cipher,
		UserID:      "local",
		ScanWorkers: cfg.ScanWorkers,
	})
	if err != nil {
		logging.Fatal("unable to build engine", zap.Error(err))
	}
	defer engine.Close()

	if err := engine.ResumeSyncs(); err != nil {
		logging.Error("not all syncs resumed", zap.Error(err))
	}

	watcher, err := notify.NewWatcher(engine.Queue())
	if err != nil {
		logging.Error("filesystem watcher unavailable, relying on rescans", zap.Error(err))
	} else {
		defer watcher.Close()
		for _, sc := range engine.Configs().All() {
			if err := watcher.Add(syncpath.New(sc.LocalPath)); err != nil {
				logging.Warn("unable to watch sync root",
					zap.String("path", sc.LocalPath), zap.Error(err))
			}
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logging.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logging.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logging.Info("pearsync daemon running")
	for {
		select {
		case <-ticker.C:
			engine.Tick(time.Now())
		case <-engine.Wake():
			engine.Tick(time.Now())
		case sig := <-sigCh:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return
		}
	}
}

// sessionKey decodes the configured key, or generates an ephemeral one so a
// fresh install still works; persisted state then only survives while the
// key does.
func sessionKey(hexKey string) []byte {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err == nil && len(key) == 32 {
			return key
		}
		logging.Warn("PEARSYNC_SESSION_KEY is not 32 hex-encoded bytes, generating ephemeral key")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		logging.Fatal("unable to generate session key", zap.Error(err))
	}
	return key
}
