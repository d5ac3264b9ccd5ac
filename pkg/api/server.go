package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/timborden/gateway/pkg/correlation"
	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/exchange/sim"
	"github.com/timborden/gateway/pkg/gateway"
	"github.com/timborden/gateway/pkg/margin"
	"github.com/timborden/gateway/pkg/order"
)

const maxBodyBytes = 1 << 20

// devnet is the extra surface of a simulated exchange backend.
type devnet interface {
	Faucet(owner common.Address, amount decimal.Decimal) error
	Wallet(owner common.Address) decimal.Decimal
	Markets() *sim.MarketRegistry
	Levels(market string, side order.Side) []sim.PriceLevel
}

type Config struct {
	CORSOrigins []string
	// FaucetAmount is credited when a faucet request names no amount.
	FaucetAmount decimal.Decimal
}

// Server handles REST API and WebSocket connections
type Server struct {
	gateways *gateway.Registry
	router   *mux.Router
	hub      *Hub
	log      *zap.SugaredLogger
	cfg      Config
	httpSrv  *http.Server
}

// NewServer wires routes over the network registry. hub is shared with the
// order stores, whose observers publish into it.
func NewServer(gateways *gateway.Registry, hub *Hub, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		gateways: gateways,
		router:   mux.NewRouter(),
		hub:      hub,
		log:      log,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	api := s.router.PathPrefix("/api/v1/{network}").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", s.handlePostOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/batch", s.handleBatchOrders).Methods("POST")
	api.HandleFunc("/orders/{exchangeOrderId}", s.handleDeleteOrder).Methods("DELETE")

	// Devnet endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_starting", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("http_request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) network(w http.ResponseWriter, r *http.Request) (*gateway.Gateway, bool) {
	g, err := s.gateways.Get(mux.Vars(r)["network"])
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return g, true
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handlePostOrder(w http.ResponseWriter, r *http.Request) {
	g, ok := s.network(w, r)
	if !ok {
		return
	}
	var req CreateOrderRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	create, err := req.toCreate(common.Address{})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	res, err := g.PostOrder(r.Context(), create)
	if warning, ok := ambiguity(err); ok {
		respondJSONStatus(w, http.StatusAccepted, PostOrderResponse{PostResult: res, Warning: warning})
		return
	}
	if err != nil {
		respondErrTx(w, err, res.TxHash)
		return
	}
	s.log.Infow("order_posted", "network", g.Network(), "client_order_id", create.ClientOrderID,
		"exchange_order_id", res.ExchangeOrderID, "tx", res.TxHash)
	respondJSON(w, PostOrderResponse{PostResult: res})
}

func (s *Server) handleBatchOrders(w http.ResponseWriter, r *http.Request) {
	g, ok := s.network(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	batch, err := req.toBatch()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch", err.Error())
		return
	}

	res, err := g.BatchOrders(r.Context(), batch)
	if warning, ok := ambiguity(err); ok {
		respondJSONStatus(w, http.StatusAccepted, BatchResponse{BatchResult: res, Warning: warning})
		return
	}
	if err != nil {
		respondErrTx(w, err, res.TxHash)
		return
	}
	s.log.Infow("batch_posted", "network", g.Network(), "tx", res.TxHash,
		"correlated", len(res.Correlated), "uncorrelated", len(res.Uncorrelated))
	respondJSON(w, BatchResponse{BatchResult: res})
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	g, ok := s.network(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	owner, err := parseOwner(q.Get("owner"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner", err.Error())
		return
	}
	req := gateway.CancelOrder{
		ExchangeOrderID: mux.Vars(r)["exchangeOrderId"],
		Owner:           owner,
		Market:          q.Get("market"),
	}

	res, err := g.DeleteOrder(r.Context(), req)
	if err != nil {
		respondErrTx(w, err, res.TxHash)
		return
	}
	s.log.Infow("order_cancelled", "network", g.Network(), "exchange_order_id", req.ExchangeOrderID, "tx", res.TxHash)
	respondJSON(w, res)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	g, ok := s.network(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	owner, err := parseOwner(q.Get("owner"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner", err.Error())
		return
	}
	records, err := g.GetOrders(r.Context(), gateway.Query{
		ClientOrderID:   q.Get("clientOrderId"),
		ExchangeOrderID: q.Get("exchangeOrderId"),
		Owner:           owner,
		Market:          q.Get("market"),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, records)
}

// ==============================
// Devnet Handlers
// ==============================

func (s *Server) devnet(w http.ResponseWriter, g *gateway.Gateway) (devnet, bool) {
	d, ok := g.Client().(devnet)
	if !ok {
		respondError(w, http.StatusNotFound, "not a devnet", g.Network())
		return nil, false
	}
	return d, true
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	g, ok := s.network(w, r)
	if !ok {
		return
	}
	d, ok := s.devnet(w, g)
	if !ok {
		return
	}

	markets := d.Markets().List()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = MarketInfo{
			Symbol:       m.Symbol,
			BaseAsset:    m.BaseAsset,
			QuoteAsset:   m.QuoteAsset,
			Status:       m.Status.String(),
			TickSize:     m.TickSize,
			LotSize:      m.LotSize,
			MinNotional:  m.MinNotional,
			MaxLeverage:  m.MaxLeverage,
			MaxOrderSize: m.MaxOrderSize,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	g, ok := s.network(w, r)
	if !ok {
		return
	}
	d, ok := s.devnet(w, g)
	if !ok {
		return
	}
	symbol := mux.Vars(r)["symbol"]
	m, ok := d.Markets().Get(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}

	convert := func(levels []sim.PriceLevel) []PriceLevel {
		out := make([]PriceLevel, len(levels))
		for i, l := range levels {
			out[i] = PriceLevel{Price: m.TicksToPrice(l.Price), Size: m.LotsToAmount(l.Lots)}
		}
		return out
	}
	respondJSON(w, OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      convert(d.Levels(symbol, order.Buy)),
		Asks:      convert(d.Levels(symbol, order.Sell)),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	g, ok := s.network(w, r)
	if !ok {
		return
	}
	d, ok := s.devnet(w, g)
	if !ok {
		return
	}
	var req FaucetRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil || owner == (common.Address{}) {
		respondError(w, http.StatusBadRequest, "invalid owner", req.Owner)
		return
	}
	amount := req.Amount
	if amount.IsZero() {
		amount = s.cfg.FaucetAmount
	}
	if err := d.Faucet(owner, amount); err != nil {
		respondError(w, http.StatusBadRequest, "faucet failed", err.Error())
		return
	}
	s.log.Infow("faucet_credited", "network", g.Network(), "owner", owner.Hex(), "amount", amount.String())
	respondJSON(w, FaucetResponse{Owner: owner.Hex(), Wallet: d.Wallet(owner)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"status": "ok", "networks": s.gateways.Names()})
}

// ==============================
// Helper Functions
// ==============================

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseOwner accepts an empty string as the zero address.
func parseOwner(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func (req CreateOrderRequest) toCreate(fallback common.Address) (gateway.CreateOrder, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return gateway.CreateOrder{}, err
	}
	if owner == (common.Address{}) {
		owner = fallback
	}
	return gateway.CreateOrder{
		ClientOrderID: req.ClientOrderID,
		Owner:         owner,
		Market:        req.Market,
		Side:          req.Side,
		Price:         req.Price,
		Amount:        req.Amount,
		Leverage:      req.Leverage,
	}, nil
}

func (req BatchRequest) toBatch() (gateway.Batch, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return gateway.Batch{}, err
	}
	b := gateway.Batch{Owner: owner}
	for _, c := range req.Creates {
		create, err := c.toCreate(owner)
		if err != nil {
			return gateway.Batch{}, err
		}
		b.Creates = append(b.Creates, create)
	}
	for _, c := range req.Cancels {
		o, err := parseOwner(c.Owner)
		if err != nil {
			return gateway.Batch{}, err
		}
		b.Cancels = append(b.Cancels, gateway.CancelOrder{ExchangeOrderID: c.ExchangeOrderID, Owner: o, Market: c.Market})
	}
	return b, nil
}

func ambiguity(err error) (string, bool) {
	if err != nil && errors.Is(err, correlation.ErrCorrelationAmbiguous) {
		return err.Error(), true
	}
	return "", false
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrDuplicateOrder):
		return http.StatusConflict, "duplicate client order id"
	case errors.Is(err, gateway.ErrInvalidOrder), errors.Is(err, gateway.ErrInvalidQuery):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, gateway.ErrUnknownNetwork), errors.Is(err, gateway.ErrUnknownOrder):
		return http.StatusNotFound, "not found"
	case errors.Is(err, margin.ErrDepositFailed):
		return http.StatusPaymentRequired, "insufficient collateral"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, gateway.ErrSubmissionFailed):
		return http.StatusBadGateway, "submission failed"
	case errors.Is(err, exchange.ErrAccountCreationFailed):
		return http.StatusBadGateway, "account creation failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func respondErr(w http.ResponseWriter, err error) {
	respondErrTx(w, err, "")
}

func respondErrTx(w http.ResponseWriter, err error, txHash string) {
	status, label := statusFor(err)
	respondJSONStatus(w, status, ErrorResponse{Error: label, Message: err.Error(), TxHash: txHash})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{Error: error, Message: message})
}
