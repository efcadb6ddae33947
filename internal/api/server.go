// Package api serves the listing snapshot, tracked market state, curve
// previews and the live event stream over HTTP.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/discovery"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/market"
	"github.com/mat-shur/picpool/internal/observability"
	"github.com/mat-shur/picpool/internal/pricing"
	"github.com/mat-shur/picpool/internal/slippage"
	"github.com/mat-shur/picpool/internal/storage"
	"github.com/mat-shur/picpool/internal/trade"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
)

// Snapshotter exposes the current discovery snapshot.
type Snapshotter interface {
	Snapshot() *discovery.Snapshot
}

// Options configures a Server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Listings Snapshotter
	Watcher  *market.Watcher      // optional
	Hub      *Hub                 // optional
	Trades   *trade.Builder       // optional; enables the orders endpoint
	Archive  storage.TradeArchive // optional; enables the trades endpoint

	DefaultSlippage int64
	Logger          *logrus.Entry
}

// Server is the HTTP API.
type Server struct {
	opts   Options
	log    *logrus.Entry
	router *mux.Router
	http   *http.Server
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts, log: opts.Logger}
	s.routes()
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", observability.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/listings", s.handleListings).Methods(http.MethodGet)
	v1.HandleFunc("/listings/{address}", s.handleListing).Methods(http.MethodGet)
	v1.HandleFunc("/listings/{address}/watch", s.handleWatch).Methods(http.MethodPut)
	v1.HandleFunc("/listings/{address}/watch", s.handleUnwatch).Methods(http.MethodDelete)
	v1.HandleFunc("/listings/{address}/trades", s.handleTrades).Methods(http.MethodGet)
	v1.HandleFunc("/listings/{address}/orders", s.handleOrder).Methods(http.MethodPost)
	v1.HandleFunc("/preview", s.handlePreview).Methods(http.MethodPost)
	v1.HandleFunc("/bounds", s.handleBounds).Methods(http.MethodGet)
	if s.opts.Hub != nil {
		v1.Handle("/ws", s.opts.Hub).Methods(http.MethodGet)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.WithField("address", s.opts.Addr).Info("starting http server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.status,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.WithFields(logrus.Fields{
					"error": err,
					"path":  r.URL.Path,
				}).Error("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Listings.Snapshot()
	body := map[string]interface{}{
		"status":    "ok",
		"cursor":    snap.Cursor,
		"listings":  snap.Len(),
		"pending":   snap.Pending,
		"abandoned": len(snap.Abandoned),
		"updatedAt": snap.UpdatedAt,
	}
	if s.opts.Watcher != nil {
		body["watched"] = len(s.opts.Watcher.Watched())
	}
	if s.opts.Hub != nil {
		body["websocketClients"] = s.opts.Hub.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	f, err := discovery.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	listings := s.opts.Listings.Snapshot().Filter(f)
	out := make([]listingJSON, 0, len(listings))
	for _, l := range listings {
		out = append(out, newListingJSON(l))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := domain.AddressKey(addr)

	resp := listingDetailJSON{Address: key}
	if l, ok := s.opts.Listings.Snapshot().Get(key); ok {
		lj := newListingJSON(l)
		resp.Listing = &lj
	}
	if s.opts.Watcher != nil {
		if tr, ok := s.opts.Watcher.Tracker(addr); ok {
			resp.Watched = true
			if v := tr.View(); v != nil {
				resp.Market = newMarketJSON(v)
			}
		}
	}
	if resp.Listing == nil && !resp.Watched {
		writeError(w, http.StatusNotFound, "listing not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "market watcher disabled")
		return
	}
	addr, err := domain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.opts.Watcher.Subscribe(addr)
	writeJSON(w, http.StatusAccepted, map[string]string{"address": domain.AddressKey(addr)})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "market watcher disabled")
		return
	}
	addr, err := domain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.opts.Watcher.Unsubscribe(addr) {
		writeError(w, http.StatusNotFound, "listing not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	params := req.params()

	var balance *big.Int
	if req.BalanceWei != "" {
		b, ok := new(big.Int).SetString(req.BalanceWei, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "balanceWei must be an integer")
			return
		}
		balance = b
	}

	plan, err := pricing.Plan(params, balance)
	var verr *pricing.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    "invalid listing",
			"problems": verr.Problems,
		})
		return
	case errors.Is(err, pricing.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newPreviewJSON(plan))
}

func (s *Server) handleBounds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	pct := s.opts.DefaultSlippage
	if raw := q.Get("slippage"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "slippage must be an integer percent")
			return
		}
		pct = v
	}

	switch {
	case q.Get("price") != "":
		price, ok := new(big.Int).SetString(q.Get("price"), 10)
		if !ok || price.Sign() < 0 {
			writeError(w, http.StatusBadRequest, "price must be a non-negative wei integer")
			return
		}
		buy, err := slippage.BuyBound(price, pct)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sell, err := slippage.SellBound(price, pct)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, boundsJSON{
			PriceWei:     price.String(),
			SlippagePct:  pct,
			BuyBoundWei:  buy.String(),
			SellBoundWei: sell.String(),
		})
	case q.Get("address") != "":
		view, status, msg := s.trackedView(q.Get("address"))
		if view == nil {
			writeError(w, status, msg)
			return
		}
		// A tracked listing goes through the order builder so a closed
		// sale yields no bounds.
		b := s.builder()
		buy, err := b.Buy(view, pct)
		if err != nil {
			writeError(w, tradeStatus(err), err.Error())
			return
		}
		sell, err := b.Sell(view, pct)
		if err != nil {
			writeError(w, tradeStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, boundsJSON{
			PriceWei:     view.State.CurrentPrice.String(),
			SlippagePct:  pct,
			BuyBoundWei:  buy.Bound.String(),
			SellBoundWei: sell.Bound.String(),
		})
	default:
		writeError(w, http.StatusBadRequest, "price or address is required")
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trades == nil {
		writeError(w, http.StatusServiceUnavailable, "order submission disabled")
		return
	}
	var req orderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	view, status, msg := s.trackedView(mux.Vars(r)["address"])
	if view == nil {
		writeError(w, status, msg)
		return
	}

	pct := s.opts.DefaultSlippage
	if req.SlippagePct != nil {
		pct = *req.SlippagePct
	}

	var (
		order *chain.Order
		err   error
	)
	switch chain.OrderKind(req.Kind) {
	case chain.OrderBuy:
		order, err = s.opts.Trades.Buy(view, pct)
	case chain.OrderSell:
		order, err = s.opts.Trades.Sell(view, pct)
	case chain.OrderWithdraw:
		caller, perr := domain.ParseAddress(req.Caller)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "caller: "+perr.Error())
			return
		}
		order, err = s.opts.Trades.Withdraw(view, caller)
	default:
		writeError(w, http.StatusBadRequest, "kind must be buy, sell or withdraw")
		return
	}
	if err != nil {
		writeError(w, tradeStatus(err), err.Error())
		return
	}

	h, err := s.opts.Trades.Submit(r.Context(), order)
	if err != nil {
		s.log.WithError(err).Warn("order submission failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, newOrderJSON(order, h))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "trade archive disabled")
		return
	}
	addr, err := domain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxTradesLimit {
			n = maxTradesLimit
		}
		limit = n
	}

	trades, err := s.opts.Archive.Recent(r.Context(), addr, limit)
	if err != nil {
		s.log.WithError(err).Warn("read trade archive")
		writeError(w, http.StatusInternalServerError, "read trade archive failed")
		return
	}
	out := make([]tradeJSON, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// builder returns the configured order builder, or a bare one for
// computing bounds when submission is disabled.
func (s *Server) builder() *trade.Builder {
	if s.opts.Trades != nil {
		return s.opts.Trades
	}
	return trade.NewBuilder(common.Address{}, nil, s.log)
}

func (s *Server) trackedView(raw string) (*market.View, int, string) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, http.StatusBadRequest, err.Error()
	}
	if s.opts.Watcher == nil {
		return nil, http.StatusServiceUnavailable, "market watcher disabled"
	}
	tr, ok := s.opts.Watcher.Tracker(addr)
	if !ok {
		return nil, http.StatusNotFound, "listing not watched"
	}
	v := tr.View()
	if v == nil || v.State == nil || v.State.CurrentPrice == nil {
		return nil, http.StatusConflict, "no market state yet"
	}
	return v, 0, ""
}

func tradeStatus(err error) int {
	switch {
	case errors.Is(err, trade.ErrSaleClosed),
		errors.Is(err, trade.ErrSaleOpen),
		errors.Is(err, trade.ErrNoMarketState):
		return http.StatusConflict
	case errors.Is(err, trade.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, slippage.ErrInvalidSlippage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
