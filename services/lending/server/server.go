package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lendingledger/native/lending"
	"lendingledger/observability"
	"lendingledger/services/lending/engine"
)

const defaultRequestTimeout = 10 * time.Second

// Config captures the options of the HTTP surface.
type Config struct {
	Auth           AuthConfig
	RateLimit      RateLimit
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.LendingMetrics
}

// Server exposes the ledger over JSON/HTTP. Reads are public; every mutation
// requires a credential. Position changes are limited to the owner bound to a
// JWT subject unless the caller is an operator, and bank setup, price
// publication and custody credits are operator only.
type Server struct {
	engine  engine.Engine
	logger  *slog.Logger
	auth    *authenticator
	limiter *rateLimiter
	timeout time.Duration
}

// New constructs the HTTP surface for eng.
func New(eng engine.Engine, cfg Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("lending engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	metrics := cfg.Metrics
	return &Server{
		engine:  eng,
		logger:  logger,
		auth:    newAuthenticator(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit, func() { metrics.RecordThrottle("rate_limit") }),
		timeout: timeout,
	}, nil
}

// Routes returns the router serving /healthz and the /v1 API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(v1 chi.Router) {
		if s.limiter != nil {
			v1.Use(s.limiter.middleware)
		}
		v1.Get("/banks", s.listBanks)
		v1.Get("/banks/{mint}", s.getBank)
		v1.Get("/users/{owner}/position", s.getPosition)
		v1.Get("/users/{owner}/health", s.getHealth)
		v1.Get("/oracle/prices", s.listPrices)
		v1.Get("/custody/{mint}/{account}", s.getBalance)

		v1.Group(func(mut chi.Router) {
			mut.Use(s.auth.middleware)
			mut.With(requireOperator).Post("/banks", s.initializeBank)
			mut.Post("/banks/{mint}/accrue", s.accrue)
			mut.Post("/users", s.initializeUser)
			mut.Post("/users/{owner}/deposit", s.transition(lending.ActionDeposit))
			mut.Post("/users/{owner}/withdraw", s.transition(lending.ActionWithdraw))
			mut.Post("/users/{owner}/borrow", s.transition(lending.ActionBorrow))
			mut.Post("/users/{owner}/repay", s.transition(lending.ActionRepay))
			mut.With(requireOperator).Post("/oracle/prices", s.publishPrice)
			mut.With(requireOperator).Post("/custody/credit", s.credit)
		})
	})
	return r
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) listBanks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	banks, err := s.engine.ListBanks(ctx)
	if err != nil {
		s.writeError(w, r, "list_banks", err)
		return
	}
	views := make([]BankView, 0, len(banks))
	for _, bank := range banks {
		views = append(views, toBankView(bank))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getBank(w http.ResponseWriter, r *http.Request) {
	mint, err := parseAddress("mint", chi.URLParam(r, "mint"))
	if err != nil {
		s.writeError(w, r, "get_bank", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	bank, err := s.engine.GetBank(ctx, mint)
	if err != nil {
		s.writeError(w, r, "get_bank", err)
		return
	}
	writeJSON(w, http.StatusOK, toBankView(bank))
}

func (s *Server) initializeBank(w http.ResponseWriter, r *http.Request) {
	var req bankRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, lending.ActionInitializeBank, err)
		return
	}
	cfg, err := req.config()
	if err != nil {
		if !errors.Is(err, lending.ErrInvalidRiskParams) {
			err = fmt.Errorf("%w: %v", engine.ErrInvalidArgument, err)
		}
		s.writeError(w, r, lending.ActionInitializeBank, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	bank, err := s.engine.InitializeBank(ctx, cfg)
	if err != nil {
		s.writeError(w, r, lending.ActionInitializeBank, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBankView(bank))
}

func (s *Server) accrue(w http.ResponseWriter, r *http.Request) {
	mint, err := parseAddress("mint", chi.URLParam(r, "mint"))
	if err != nil {
		s.writeError(w, r, lending.ActionAccrue, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	bank, err := s.engine.Accrue(ctx, mint)
	if err != nil {
		s.writeError(w, r, lending.ActionAccrue, err)
		return
	}
	writeJSON(w, http.StatusOK, toBankView(bank))
}

func (s *Server) initializeUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, lending.ActionInitializeUser, err)
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		s.writeError(w, r, lending.ActionInitializeUser, err)
		return
	}
	if !authorizeOwner(w, r, owner.String()) {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if _, err := s.engine.InitializeUser(ctx, owner); err != nil {
		s.writeError(w, r, lending.ActionInitializeUser, err)
		return
	}
	writeJSON(w, http.StatusCreated, PositionView{Owner: owner.String(), Balances: []BalanceView{}})
}

// transition serves deposit, withdraw, borrow and repay. Withdraw and repay
// accept the amount "all".
func (s *Server) transition(action string) http.HandlerFunc {
	allowAll := action == lending.ActionWithdraw || action == lending.ActionRepay
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
		if err != nil {
			s.writeError(w, r, action, err)
			return
		}
		if !authorizeOwner(w, r, owner.String()) {
			return
		}
		var req actionRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, action, err)
			return
		}
		mint, err := parseAddress("mint", req.Mint)
		if err != nil {
			s.writeError(w, r, action, err)
			return
		}
		amount, all, err := parseAmount(req.Amount, allowAll)
		if err != nil {
			s.writeError(w, r, action, err)
			return
		}
		ctx, cancel := s.context(r.Context())
		defer cancel()

		var receipt *lending.Receipt
		switch {
		case action == lending.ActionDeposit:
			receipt, err = s.engine.Deposit(ctx, owner, mint, amount)
		case action == lending.ActionWithdraw && all:
			receipt, err = s.engine.WithdrawAll(ctx, owner, mint)
		case action == lending.ActionWithdraw:
			receipt, err = s.engine.Withdraw(ctx, owner, mint, amount)
		case action == lending.ActionBorrow:
			receipt, err = s.engine.Borrow(ctx, owner, mint, amount)
		case action == lending.ActionRepay && all:
			receipt, err = s.engine.RepayAll(ctx, owner, mint)
		default:
			receipt, err = s.engine.Repay(ctx, owner, mint, amount)
		}
		if err != nil {
			s.writeError(w, r, action, err)
			return
		}
		writeJSON(w, http.StatusOK, toReceiptView(receipt))
	}
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, r, "get_position", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	position, err := s.engine.GetPosition(ctx, owner)
	if err != nil {
		s.writeError(w, r, "get_position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(position))
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, r, "get_health", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	report, err := s.engine.GetHealth(ctx, owner)
	if err != nil {
		s.writeError(w, r, "get_health", err)
		return
	}
	writeJSON(w, http.StatusOK, toHealthView(report))
}

func (s *Server) listPrices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	feeds, err := s.engine.Prices(ctx)
	if err != nil {
		s.writeError(w, r, "list_prices", err)
		return
	}
	views := make([]PriceView, 0, len(feeds))
	for _, feed := range feeds {
		views = append(views, toPriceView(feed))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) publishPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "publish_price", err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		s.writeError(w, r, "publish_price", err)
		return
	}
	quote := lending.PriceQuote{Price: req.Price, Conf: req.Conf, Expo: req.Expo, PublishTime: req.PublishTime}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.PublishPrice(ctx, asset, quote); err != nil {
		s.writeError(w, r, "publish_price", err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "credit", err)
		return
	}
	mint, err := parseAddress("mint", req.Mint)
	if err != nil {
		s.writeError(w, r, "credit", err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		s.writeError(w, r, "credit", err)
		return
	}
	amount, _, err := parseAmount(req.Amount, false)
	if err != nil {
		s.writeError(w, r, "credit", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	balance, err := s.engine.Credit(ctx, mint, account, amount)
	if err != nil {
		s.writeError(w, r, "credit", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Mint: mint.String(), Account: account.String(), Balance: formatUint(balance)})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	mint, err := parseAddress("mint", chi.URLParam(r, "mint"))
	if err != nil {
		s.writeError(w, r, "get_balance", err)
		return
	}
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, "get_balance", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	balance, err := s.engine.Balance(ctx, mint, account)
	if err != nil {
		s.writeError(w, r, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Mint: mint.String(), Account: account.String(), Balance: formatUint(balance)})
}
