// Command indexer is the composition root wiring the Node Client Pool
// (C1), Chain Store (C2), Sync Engine (C3), Mempool Tracker (C4) and
// Query Engine (C5) together behind a thin read-only HTTP surface.
//
// Grounded on the teacher's cmd/explorer/main.go: godotenv + viper
// bootstrap, a logger.Fatalf-on-init-error style, then construct and
// start a server. The 49-endpoint catalog of spec.md §6 is external
// collaborator territory; this surface exposes enough of it (blocks,
// transactions, boxes, tokens, addresses, stats, search, status) to
// exercise the Query Engine end to end.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ergo-indexer/indexer/internal/chainstore"
	"github.com/ergo-indexer/indexer/internal/mempool"
	"github.com/ergo-indexer/indexer/internal/nodeclient"
	"github.com/ergo-indexer/indexer/internal/query"
	"github.com/ergo-indexer/indexer/internal/syncengine"
	"github.com/ergo-indexer/indexer/pkg/config"
)

func main() {
	log := logrus.StandardLogger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("config: load")
	}
	if lvl, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		log.SetLevel(lvl)
	}

	store, err := chainstore.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("chainstore: open")
	}
	defer store.Close()

	var clients []nodeclient.Client
	for _, url := range cfg.ErgoNodes {
		clients = append(clients, nodeclient.NewHTTPClient(url, cfg.NodeAPIKey))
	}
	pool := nodeclient.NewPool(clients, log)
	defer pool.Close()

	engine := syncengine.New(pool, store, syncengine.Config{
		SyncBatchSize: cfg.SyncBatchSize,
		ProbeInterval: cfg.SyncInterval,
	}, log)

	mp := mempool.New(pool, cfg.MempoolInterval, log)

	qe := query.New(store, mp, config.AddressPrefixes[cfg.Network])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	defer engine.Stop()
	mp.Start(ctx)
	defer mp.Stop()

	srv := NewServer(cfg.Host, cfg.Port, qe, pool, engine, mp)
	go func() {
		log.WithField("addr", srv.Addr()).Info("listening")
		if err := srv.Start(); err != nil {
			log.WithError(err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}
