// Command fetchd is the process entry point for the texture fetch core: it
// loads configuration, wires the four external collaborator shims, builds
// a *fetch.FetchEngine, replays durable blacklist/priority state, starts the
// fetchapi control plane, and drives the tick loop (spec SPEC_FULL §4).
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"github.com/NebulousLabs/texturefetch/internal/fetchapi"
	"github.com/NebulousLabs/texturefetch/internal/fetchwal"
	"github.com/NebulousLabs/texturefetch/pkg/fetch"
	"github.com/NebulousLabs/texturefetch/pkg/fetch/log"
	"github.com/NebulousLabs/texturefetch/pkg/fetch/mock"
)

// Config aggregates fetchd's subsystem configuration the way
// node.NodeParams aggregates a Sia node's: one plain struct, no viper,
// functional defaults filled in by NewFetchEngine and validated here.
type Config struct {
	// PersistDir holds the fetchwal store (blacklist + priority
	// snapshot).
	PersistDir string
	// APIAddr is the control-plane listen address (fetchapi).
	APIAddr string
	// TickInterval is how often the engine's Tick is driven.
	TickInterval time.Duration
	// SnapshotInterval is how often the priority snapshot is flushed to
	// fetchwal.
	SnapshotInterval time.Duration
	// Debug enables debug-level logging.
	Debug bool

	Engine fetch.EngineConfig
}

// DefaultConfig returns production-reasonable defaults, matching the
// teacher's preference for sane zero-hassle defaults over required flags.
func DefaultConfig() Config {
	return Config{
		PersistDir:       "fetchd-data",
		APIAddr:          "127.0.0.1:9980",
		TickInterval:     50 * time.Millisecond,
		SnapshotInterval: 5 * time.Second,
		Engine: fetch.EngineConfig{
			GlobalDefaultLimit:    4,
			GlobalMaxLimit:        16,
			HTTPMaxRequests:       8,
			HTTPMinRequests:       2,
			HTTPThrottleBandwidth: 4 << 20,
		},
	}
}

// Validate bounds-checks cfg, failing fast the way node/api/renter.go's
// requiredHosts/requiredRedundancy guard constants reject an invalid
// renter allowance before it's ever applied.
func (cfg Config) Validate() error {
	if cfg.Engine.GlobalDefaultLimit < 1 {
		return errors.New("engine.globaldefaultlimit must be >= 1")
	}
	if cfg.Engine.GlobalMaxLimit < cfg.Engine.GlobalDefaultLimit {
		return errors.New("engine.globalmaxlimit must be >= globaldefaultlimit")
	}
	if cfg.Engine.HTTPMaxRequests < 1 {
		return errors.New("engine.httpmaxrequests must be >= 1")
	}
	if cfg.Engine.HTTPMinRequests < 0 || cfg.Engine.HTTPMinRequests > cfg.Engine.HTTPMaxRequests {
		return errors.New("engine.httpminrequests must be within [0, httpmaxrequests]")
	}
	if cfg.Engine.HTTPThrottleBandwidth == 0 {
		return errors.New("engine.httpthrottlebandwidth must be > 0")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tickinterval must be > 0")
	}
	return nil
}

func main() {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "fetchd: invalid configuration:", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Debug)
	logger.Println("fetchd starting, persist dir", cfg.PersistDir)

	store, err := fetchwal.OpenStore(cfg.PersistDir)
	if err != nil {
		logger.Critical("failed to open fetchwal store:", err)
		os.Exit(1)
	}
	defer store.Close()

	// The codec, cache, HTTP, and UDP collaborators are out of this
	// core's scope (spec §1); fetchd wires the in-memory mocks as its
	// runnable stand-in the way a real deployment would wire concrete
	// shims over the same four interfaces.
	codec := mock.NewCodec()
	cache := mock.NewBlobCache()
	httpT := mock.NewHTTPTransport()
	sim := mock.NewSimTransport()
	resolver := mock.NewURLResolver()

	engine := fetch.NewFetchEngine(codec, cache, httpT, sim, resolver, logger, cfg.Engine)

	blacklistRecords, err := store.LoadBlacklist()
	if err != nil {
		logger.Critical("failed to load blacklist:", err)
		os.Exit(1)
	}
	engine.Blacklist().RestoreRecords(blacklistRecords)
	engine.Blacklist().OnPersist(store.OnBlacklistPersist(func(err error) {
		logger.Println("fetchwal: blacklist persist error:", err)
	}))

	prioritySnapshot, err := store.LoadPrioritySnapshot()
	if err != nil {
		logger.Critical("failed to load priority snapshot:", err)
		os.Exit(1)
	}
	engine.RestorePriority(prioritySnapshot)

	api := fetchapi.New(engine)
	srv := &http.Server{Addr: cfg.APIAddr, Handler: api}
	go func() {
		logger.Println("fetchapi listening on", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Critical("fetchapi server error:", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tick := time.NewTicker(cfg.TickInterval)
	defer tick.Stop()
	snapshot := time.NewTicker(cfg.SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-tick.C:
			engine.Tick()
		case <-snapshot.C:
			if err := store.SavePrioritySnapshot(engine.PrioritySnapshot()); err != nil {
				logger.Println("fetchwal: priority snapshot error:", err)
			}
		case <-sigCh:
			logger.Println("fetchd stopping")
			_ = srv.Close()
			_ = engine.Close()
			return
		}
	}
}
