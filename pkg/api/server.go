package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/round"
	"github.com/uhyunpark/veil/pkg/timelock"
	"github.com/uhyunpark/veil/pkg/util"
)

const (
	defaultLeaderboardLimit = 10
	maxBodyBytes            = 1 << 20
	timelockScheme          = "bf-ibe-bls12381"
)

// Backend is the engine surface the API serves.
type Backend interface {
	RoundStatus() auction.RoundStatus
	OrderBook() auction.OrderBookSummary
	UserOrders(owner common.Address) []auction.OrderView
	RoundOrders(id auction.RoundID) []auction.OrderView
	RoundResult(id auction.RoundID) (auction.ClearingResult, error)
	CurrentResult() (auction.ClearingResult, error)
	RoundLeaderboard(id auction.RoundID) ([]auction.LeaderboardEntry, error)
	GlobalLeaderboard(limit int) []auction.LeaderboardEntry
	PriceHistory() []auction.PricePoint
	RecentPrices(n int) []auction.PricePoint
	PublicKey() timelock.PublicKey
	RoundIdentity(id auction.RoundID) (timelock.Identity, error)
	UserStats(owner common.Address) (auction.UserStats, error)
	UserRoundSurplus(owner common.Address, id auction.RoundID) int64
	PlatformStats() auction.PlatformStats

	SubmitOrder(caller common.Address, roundID auction.RoundID, req auction.SubmitRequest) (auction.OrderID, error)
	StartRound() (auction.Round, error)
	ForceClear(ctx context.Context) (auction.RoundStatus, error)
	SetRoundDuration(d time.Duration) error
}

type Options struct {
	// AdminToken gates /api/v1/admin. Admin routes are refused when empty.
	AdminToken  string
	CORSOrigins []string
	Domain      crypto.EIP712Domain
	// AttestationKey is the hex BLS public key results are signed with, if any.
	AttestationKey string
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	backend Backend
	router  *mux.Router
	hub     *Hub
	typed   *crypto.EIP712Signer
	opts    Options
	logger  *zap.SugaredLogger
}

// NewServer creates a new API server. hub is shared with the engine, which
// publishes round events into it.
func NewServer(backend Backend, hub *Hub, opts Options) *Server {
	if opts.Domain.ChainID == nil {
		opts.Domain = crypto.DefaultDomain()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	logger := util.OrNop(opts.Logger)
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		backend: backend,
		router:  mux.NewRouter(),
		hub:     hub,
		typed:   crypto.NewEIP712Signer(opts.Domain),
		opts:    opts,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.logRequests)

	// Round endpoints
	api.HandleFunc("/round", s.handleGetRound).Methods("GET")
	api.HandleFunc("/round/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/round/result", s.handleGetCurrentResult).Methods("GET")
	api.HandleFunc("/rounds/{id:[0-9]+}/result", s.handleGetResult).Methods("GET")
	api.HandleFunc("/rounds/{id:[0-9]+}/orders", s.handleGetRoundOrders).Methods("GET")
	api.HandleFunc("/rounds/{id:[0-9]+}/leaderboard", s.handleGetRoundLeaderboard).Methods("GET")
	api.HandleFunc("/rounds/{id:[0-9]+}/identity", s.handleGetIdentity).Methods("GET")

	// Keys
	api.HandleFunc("/timelock/public-key", s.handleGetPublicKey).Methods("GET")
	api.HandleFunc("/attestation/public-key", s.handleGetAttestationKey).Methods("GET")

	// Market data
	api.HandleFunc("/leaderboard", s.handleGetLeaderboard).Methods("GET")
	api.HandleFunc("/prices", s.handleGetPrices).Methods("GET")
	api.HandleFunc("/stats", s.handleGetPlatformStats).Methods("GET")

	// User endpoints
	api.HandleFunc("/users/{address}/orders", s.handleGetUserOrders).Methods("GET")
	api.HandleFunc("/users/{address}/stats", s.handleGetUserStats).Methods("GET")
	api.HandleFunc("/users/{address}/rounds/{id:[0-9]+}/surplus", s.handleGetUserSurplus).Methods("GET")

	// Order submission
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(AdminAuth(s.opts.AdminToken))
	admin.HandleFunc("/rounds/start", s.handleStartRound).Methods("POST")
	admin.HandleFunc("/rounds/clear", s.handleForceClear).Methods("POST")
	admin.HandleFunc("/rounds/duration", s.handleSetDuration).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Infow("api_server_stopped")
		return nil
	}
}

// ==============================
// Round Handlers
// ==============================

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, toRoundStatus(s.backend.RoundStatus()))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.backend.OrderBook())
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := roundParam(w, r)
	if !ok {
		return
	}
	res, err := s.backend.RoundResult(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, res)
}

func (s *Server) handleGetCurrentResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.CurrentResult()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, res)
}

func (s *Server) handleGetRoundOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := roundParam(w, r)
	if !ok {
		return
	}
	orders := s.backend.RoundOrders(id)
	if orders == nil {
		orders = []auction.OrderView{}
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetRoundLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, ok := roundParam(w, r)
	if !ok {
		return
	}
	board, err := s.backend.RoundLeaderboard(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, board)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := roundParam(w, r)
	if !ok {
		return
	}
	ident, err := s.backend.RoundIdentity(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, IdentityResponse{RoundID: ident.RoundID, Identity: hexutil.Encode(ident.Key)})
}

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, PublicKeyResponse{
		PublicKey: hexutil.Encode(s.backend.PublicKey().Bytes()),
		Scheme:    timelockScheme,
		Context:   timelock.Context,
	})
}

func (s *Server) handleGetAttestationKey(w http.ResponseWriter, r *http.Request) {
	if s.opts.AttestationKey == "" {
		respondError(w, http.StatusNotFound, "attestation disabled", "")
		return
	}
	respondJSON(w, AttestationKeyResponse{PublicKey: s.opts.AttestationKey, Scheme: "bls12381-g1-min-pk"})
}

// ==============================
// Market Data Handlers
// ==============================

func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", defaultLeaderboardLimit)
	if !ok {
		return
	}
	respondJSON(w, s.backend.GlobalLeaderboard(limit))
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("count") == "" {
		respondJSON(w, s.backend.PriceHistory())
		return
	}
	count, ok := intQuery(w, r, "count", 0)
	if !ok {
		return
	}
	respondJSON(w, s.backend.RecentPrices(count))
}

func (s *Server) handleGetPlatformStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.backend.PlatformStats())
}

// ==============================
// User Handlers
// ==============================

func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r)
	if !ok {
		return
	}
	orders := s.backend.UserOrders(owner)
	if orders == nil {
		orders = []auction.OrderView{}
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetUserStats(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r)
	if !ok {
		return
	}
	st, err := s.backend.UserStats(owner)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, st)
}

func (s *Server) handleGetUserSurplus(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r)
	if !ok {
		return
	}
	id, ok := roundParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, SurplusResponse{
		Owner:   owner.Hex(),
		RoundID: id,
		Surplus: s.backend.UserRoundSurplus(owner, id),
	})
}

// ==============================
// Order Submission
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid owner address", req.Owner)
		return
	}
	if req.Signature == "" {
		respondError(w, http.StatusUnauthorized, "missing signature", "")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}
	payload, err := decodeBytes(req.EncryptedPayload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid encrypted payload encoding", err.Error())
		return
	}

	owner := common.HexToAddress(req.Owner)
	msg := &crypto.SubmitOrder{
		RoundID:        uint64(req.RoundID),
		Side:           uint8(req.Side),
		Asset:          string(req.Asset),
		Amount:         req.Amount,
		PriceLimit:     req.PriceLimit,
		CommitmentHash: req.CommitmentHash,
		Owner:          owner,
	}
	if err := s.typed.VerifySubmitOrder(msg, sig); err != nil {
		respondEngineError(w, err)
		return
	}

	id, err := s.backend.SubmitOrder(owner, req.RoundID, auction.SubmitRequest{
		Side:             req.Side,
		Asset:            req.Asset,
		Amount:           req.Amount,
		PriceLimit:       req.PriceLimit,
		EncryptedPayload: payload,
		CommitmentHash:   req.CommitmentHash,
	})
	if err != nil {
		s.logger.Debugw("order_rejected", "owner", owner.Hex(), "round", req.RoundID, "err", err)
		respondEngineError(w, err)
		return
	}

	respondJSONStatus(w, http.StatusCreated, SubmitOrderResponse{Status: "accepted", RoundID: req.RoundID, OrderID: id})
}

// ==============================
// Admin Handlers
// ==============================

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	rnd, err := s.backend.StartRound()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	s.logger.Infow("admin_round_started", "round", rnd.ID)
	respondJSON(w, rnd)
}

func (s *Server) handleForceClear(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.ForceClear(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	s.logger.Infow("admin_round_cleared", "round", st.RoundID, "state", st.State)
	respondJSON(w, toRoundStatus(st))
}

func (s *Server) handleSetDuration(w http.ResponseWriter, r *http.Request) {
	var req DurationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	d := time.Duration(req.DurationSecs) * time.Second
	if err := s.backend.SetRoundDuration(d); err != nil {
		respondEngineError(w, err)
		return
	}
	s.logger.Infow("admin_duration_set", "duration", d)
	respondJSON(w, req)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// statusFor maps engine sentinel errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auction.ErrInvalidOrder), errors.Is(err, round.ErrInvalidDuration):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, auction.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auction.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, auction.ErrInvalidTransition):
		return http.StatusConflict, "invalid round state"
	case errors.Is(err, auction.ErrEncryptionNotReady):
		return http.StatusTooEarly, "round identity not released"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func respondEngineError(w http.ResponseWriter, err error) {
	status, label := statusFor(err)
	respondError(w, status, label, err.Error())
}

func roundParam(w http.ResponseWriter, r *http.Request) (auction.RoundID, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, "invalid round id", mux.Vars(r)["id"])
		return 0, false
	}
	return auction.RoundID(id), true
}

func addressParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "invalid "+key, raw)
		return 0, false
	}
	return n, true
}

// decodeBytes accepts 0x-prefixed hex or bare hex.
func decodeBytes(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.Decode(s)
	}
	return hex.DecodeString(s)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}
