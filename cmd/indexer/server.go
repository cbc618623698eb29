package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ergo-indexer/indexer/internal/mempool"
	"github.com/ergo-indexer/indexer/internal/nodeclient"
	"github.com/ergo-indexer/indexer/internal/query"
	"github.com/ergo-indexer/indexer/internal/syncengine"
)

// Server exposes the Query Engine and sync/pool status over a small
// read-only HTTP API, grounded on the teacher's cmd/explorer/server.go
// (gorilla/mux router, a logging middleware, writeJSON helper).
type Server struct {
	host string
	port int

	router     *mux.Router
	httpServer *http.Server

	qe     *query.Engine
	pool   *nodeclient.Pool
	engine *syncengine.Engine
	mp     *mempool.Tracker
}

// NewServer constructs the router and HTTP server.
func NewServer(host string, port int, qe *query.Engine, pool *nodeclient.Pool, engine *syncengine.Engine, mp *mempool.Tracker) *Server {
	s := &Server{host: host, port: port, router: mux.NewRouter(), qe: qe, pool: pool, engine: engine, mp: mp}
	s.routes()
	s.httpServer = &http.Server{Addr: s.Addr(), Handler: s.router}
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Start blocks serving HTTP until the listener errors or is closed.
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

func (s *Server) routes() {
	s.router.Use(loggingMiddleware)

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet)
	s.router.HandleFunc("/blocks/{id}", s.handleBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions/unconfirmed", s.handleUnconfirmed).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	s.router.HandleFunc("/boxes/{id}", s.handleBox).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{id}", s.handleToken).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{id}/holders", s.handleTokenHolders).Methods(http.MethodGet)
	s.router.HandleFunc("/addresses/{address}", s.handleAddressInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/addresses/{address}/transactions", s.handleAddressTransactions).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"sync":    s.engine.Status(),
		"nodes":   s.pool.Snapshot(),
		"mempool": s.mp.Size(),
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	page, err := s.qe.Blocks(offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	row, ok, err := s.qe.Block(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	writeJSON(w, row)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, ok, err := s.qe.Transaction(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, tx)
}

func (s *Server) handleUnconfirmed(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	writeJSON(w, s.qe.MempoolTransactions(offset, limit))
}

func (s *Server) handleBox(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	row, ok, err := s.qe.Box(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "box not found", http.StatusNotFound)
		return
	}
	writeJSON(w, row)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	row, ok, err := s.qe.Token(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}
	writeJSON(w, row)
}

func (s *Server) handleTokenHolders(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	offset, limit := pageParams(r)
	page, err := s.qe.TokenHolders(id, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}

func (s *Server) handleAddressInfo(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	info, err := s.qe.AddressInfo(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleAddressTransactions(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	offset, limit := pageParams(r)
	page, err := s.qe.AddressTransactions(addr, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.qe.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "missing query parameter", http.StatusBadRequest)
		return
	}
	hits, err := s.qe.Search(query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, hits)
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return offset, limit
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	logrus.WithError(err).Warn("query failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
