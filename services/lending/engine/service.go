package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendingledger/core/state"
	nativecommon "lendingledger/native/common"
	"lendingledger/native/lending"
	"lendingledger/native/oracle"
	"lendingledger/observability"
	telemetry "lendingledger/observability/otel"
)

// Service executes ledger operations against persistent state. Every mutation
// runs on its own state transaction under the locks of the owner and of every
// bank the owner's position references.
type Service struct {
	state   *state.Manager
	feeds   *oracle.Store
	params  lending.Params
	pauses  nativecommon.PauseView
	quota   *nativecommon.QuotaTracker
	metrics *observability.LendingMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time
	locks   *keyedLocks
}

var _ Engine = (*Service)(nil)

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for accrual, oracle freshness and
// quota epochs.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(metrics *observability.LendingMetrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

// WithPauses installs the pause switches consulted before every transition.
func WithPauses(pauses nativecommon.PauseView) Option {
	return func(s *Service) { s.pauses = pauses }
}

// WithOutflowQuota caps borrows and withdrawals per owner and mint.
func WithOutflowQuota(q nativecommon.Quota) Option {
	return func(s *Service) { s.quota = nativecommon.NewQuotaTracker(q) }
}

// WithTracer overrides the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewService constructs the ledger service.
func NewService(manager *state.Manager, feeds *oracle.Store, params lending.Params, opts ...Option) (*Service, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: state manager required", ErrUnavailable)
	}
	if feeds == nil {
		return nil, fmt.Errorf("%w: oracle store required", ErrUnavailable)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		state:  manager,
		feeds:  feeds,
		params: params,
		logger: slog.Default(),
		tracer: telemetry.Tracer(),
		clock:  time.Now,
		locks:  newKeyedLocks(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Service) newEngine(txn *state.Txn) *lending.Engine {
	eng := lending.NewEngine(s.params)
	eng.SetState(txn)
	eng.SetCustody(txn)
	eng.SetOracle(s.feeds)
	eng.SetPauses(s.pauses)
	eng.SetClock(s.clock)
	return eng
}

// run executes fn on a fresh transaction and commits it when fn succeeds.
func (s *Service) run(ctx context.Context, action string, attrs []attribute.KeyValue, fn func(eng *lending.Engine, txn *state.Txn) error) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "lending."+action, trace.WithAttributes(attrs...))
	defer func() {
		code := Code(err)
		s.metrics.Observe(action, code, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, code)
			s.logFailure(ctx, action, code, attrs, err)
		}
		span.End()
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.state.Begin()
	defer txn.Discard()
	if err := fn(s.newEngine(txn), txn); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Service) logFailure(ctx context.Context, action, code string, attrs []attribute.KeyValue, err error) {
	args := []any{slog.String("component", "lending"), slog.String("op", action), slog.String("code", code)}
	for _, attr := range attrs {
		args = append(args, slog.String(string(attr.Key), attr.Value.Emit()))
	}
	args = append(args, slog.Any("error", err))
	if code == "internal" {
		s.logger.ErrorContext(ctx, "lending operation failed", args...)
		return
	}
	s.logger.InfoContext(ctx, "lending operation rejected", args...)
}

// lockPosition acquires the owner lock followed by the locks of every bank the
// position references plus extra.
func (s *Service) lockPosition(owner lending.Address, extra ...lending.Address) (func(), []lending.Address, error) {
	releaseUser := s.locks.lock(userKey(owner))
	position, err := s.state.Position(owner)
	if err != nil {
		releaseUser()
		return nil, nil, err
	}
	mints := append([]lending.Address(nil), extra...)
	if position != nil {
		mints = append(mints, position.Mints()...)
	}
	releaseBanks := s.locks.lockBanks(mints)
	return func() {
		releaseBanks()
		releaseUser()
	}, mints, nil
}

func (s *Service) recordBanks(mints []lending.Address) {
	if s.metrics == nil {
		return
	}
	for _, mint := range mints {
		bank, err := s.state.Bank(mint)
		if err != nil || bank == nil {
			continue
		}
		util := lending.Utilisation(bank.TotalBorrows, bank.TotalDeposits)
		s.metrics.RecordBank(mint.String(), bank.TotalDeposits, bank.TotalBorrows, util)
	}
}

func positionAttrs(owner, mint lending.Address, amount uint64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("owner", owner.String()),
		attribute.String("mint", mint.String()),
	}
	if amount > 0 {
		attrs = append(attrs, attribute.String("amount", strconv.FormatUint(amount, 10)))
	}
	return attrs
}

// InitializeUser creates an empty position for owner.
func (s *Service) InitializeUser(ctx context.Context, owner lending.Address) (*lending.UserPosition, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: owner required", ErrInvalidArgument)
	}
	release := s.locks.lock(userKey(owner))
	defer release()
	var position *lending.UserPosition
	err := s.run(ctx, lending.ActionInitializeUser, []attribute.KeyValue{attribute.String("owner", owner.String())}, func(eng *lending.Engine, _ *state.Txn) error {
		var err error
		position, err = eng.InitializeUser(owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return position, nil
}

// InitializeBank creates the reserve pool for cfg.Mint.
func (s *Service) InitializeBank(ctx context.Context, cfg lending.BankConfig) (*lending.Bank, error) {
	if cfg.Mint.IsZero() {
		return nil, fmt.Errorf("%w: mint required", ErrInvalidArgument)
	}
	release := s.locks.lockBanks([]lending.Address{cfg.Mint})
	defer release()
	releaseIndex := s.locks.lock(bankIndexKey)
	defer releaseIndex()
	var bank *lending.Bank
	err := s.run(ctx, lending.ActionInitializeBank, []attribute.KeyValue{attribute.String("mint", cfg.Mint.String())}, func(eng *lending.Engine, _ *state.Txn) error {
		var err error
		bank, err = eng.InitializeBank(cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordBanks([]lending.Address{cfg.Mint})
	return bank, nil
}

type transition func(eng *lending.Engine) (*lending.Receipt, error)

// execute runs a position transition. Outflows are charged against the quota
// before commit so a rejected charge discards the transition; the charge is
// refunded when the commit itself fails.
func (s *Service) execute(ctx context.Context, action string, owner, mint lending.Address, amount uint64, outflow bool, fn transition) (*lending.Receipt, error) {
	if owner.IsZero() || mint.IsZero() {
		return nil, fmt.Errorf("%w: owner and mint required", ErrInvalidArgument)
	}
	release, mints, err := s.lockPosition(owner, mint)
	if err != nil {
		return nil, err
	}
	defer release()
	var (
		receipt  *lending.Receipt
		charged  bool
		key      = owner.String() + "/" + mint.String()
		chargeAt int64
	)
	err = s.run(ctx, action, positionAttrs(owner, mint, amount), func(eng *lending.Engine, _ *state.Txn) error {
		var err error
		receipt, err = fn(eng)
		if err != nil {
			return err
		}
		if outflow && s.quota != nil {
			chargeAt = s.clock().Unix()
			if err := s.quota.Consume(key, chargeAt, receipt.Amount); err != nil {
				s.metrics.RecordThrottle("quota_exceeded")
				return err
			}
			charged = true
		}
		return nil
	})
	if err != nil {
		if charged {
			s.quota.Refund(key, chargeAt, receipt.Amount)
		}
		return nil, err
	}
	s.recordBanks(mints)
	return receipt, nil
}

// Deposit moves amount of mint from owner into the bank vault.
func (s *Service) Deposit(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	return s.execute(ctx, lending.ActionDeposit, owner, mint, amount, false, func(eng *lending.Engine) (*lending.Receipt, error) {
		return eng.Deposit(owner, mint, amount)
	})
}

// Withdraw redeems amount of mint to owner.
func (s *Service) Withdraw(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	return s.execute(ctx, lending.ActionWithdraw, owner, mint, amount, true, func(eng *lending.Engine) (*lending.Receipt, error) {
		return eng.Withdraw(owner, mint, amount)
	})
}

// WithdrawAll redeems the owner's whole deposit of mint.
func (s *Service) WithdrawAll(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error) {
	return s.execute(ctx, lending.ActionWithdraw, owner, mint, 0, true, func(eng *lending.Engine) (*lending.Receipt, error) {
		return eng.WithdrawAll(owner, mint)
	})
}

// Borrow pays amount of mint out of the bank vault to owner.
func (s *Service) Borrow(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	return s.execute(ctx, lending.ActionBorrow, owner, mint, amount, true, func(eng *lending.Engine) (*lending.Receipt, error) {
		return eng.Borrow(owner, mint, amount)
	})
}

// Repay returns amount of mint from owner to the bank vault.
func (s *Service) Repay(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	return s.execute(ctx, lending.ActionRepay, owner, mint, amount, false, func(eng *lending.Engine) (*lending.Receipt, error) {
		return eng.Repay(owner, mint, amount)
	})
}

// RepayAll settles the owner's whole debt in mint.
func (s *Service) RepayAll(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error) {
	return s.execute(ctx, lending.ActionRepay, owner, mint, 0, false, func(eng *lending.Engine) (*lending.Receipt, error) {
		return eng.RepayAll(owner, mint)
	})
}

// Accrue persists the bank's indexes at the current time.
func (s *Service) Accrue(ctx context.Context, mint lending.Address) (*lending.Bank, error) {
	if mint.IsZero() {
		return nil, fmt.Errorf("%w: mint required", ErrInvalidArgument)
	}
	release := s.locks.lockBanks([]lending.Address{mint})
	defer release()
	var bank *lending.Bank
	err := s.run(ctx, lending.ActionAccrue, []attribute.KeyValue{attribute.String("mint", mint.String())}, func(eng *lending.Engine, _ *state.Txn) error {
		var err error
		bank, err = eng.Accrue(mint)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordBanks([]lending.Address{mint})
	return bank, nil
}

// view runs fn against an uncommitted transaction.
func (s *Service) view(ctx context.Context, fn func(eng *lending.Engine, txn *state.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.state.Begin()
	defer txn.Discard()
	return fn(s.newEngine(txn), txn)
}

// GetBank returns the bank accrued to the current time. The accrual is not
// persisted.
func (s *Service) GetBank(ctx context.Context, mint lending.Address) (*lending.Bank, error) {
	var bank *lending.Bank
	err := s.view(ctx, func(eng *lending.Engine, _ *state.Txn) error {
		var err error
		bank, err = eng.Bank(mint)
		return err
	})
	return bank, err
}

// ListBanks returns every bank accrued to the current time ordered by mint.
func (s *Service) ListBanks(ctx context.Context) ([]*lending.Bank, error) {
	var banks []*lending.Bank
	err := s.view(ctx, func(eng *lending.Engine, txn *state.Txn) error {
		stored, err := txn.Banks()
		if err != nil {
			return err
		}
		banks = make([]*lending.Bank, 0, len(stored))
		for _, b := range stored {
			bank, err := eng.Bank(b.Mint)
			if err != nil {
				return err
			}
			banks = append(banks, bank)
		}
		return nil
	})
	return banks, err
}

// GetPosition returns the owner's shares and their token value. Locks are
// held as in GetHealth so shares and balances come from one committed state.
func (s *Service) GetPosition(ctx context.Context, owner lending.Address) (Position, error) {
	release, _, err := s.lockPosition(owner)
	if err != nil {
		return Position{}, err
	}
	defer release()
	var out Position
	err = s.view(ctx, func(eng *lending.Engine, _ *state.Txn) error {
		position, err := eng.Position(owner)
		if err != nil {
			return err
		}
		balances, err := eng.Balances(owner)
		if err != nil {
			return err
		}
		out = Position{Position: position, Balances: balances}
		return nil
	})
	return out, err
}

// GetHealth values the owner's position. The owner and bank locks are held so
// the report reflects a single committed state.
func (s *Service) GetHealth(ctx context.Context, owner lending.Address) (*lending.HealthReport, error) {
	release, _, err := s.lockPosition(owner)
	if err != nil {
		return nil, err
	}
	defer release()
	var report *lending.HealthReport
	err = s.view(ctx, func(eng *lending.Engine, _ *state.Txn) error {
		var err error
		report, err = eng.Health(owner)
		return err
	})
	return report, err
}

// PublishPrice records a quote for asset.
func (s *Service) PublishPrice(ctx context.Context, asset lending.Address, quote lending.PriceQuote) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.feeds.Publish(asset, quote); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	s.metrics.RecordQuoteAge(asset.String(), s.clock().Sub(time.Unix(quote.PublishTime, 0)))
	return nil
}

// Prices reports the latest quote of every feed.
func (s *Service) Prices(ctx context.Context) ([]oracle.FeedHealth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feeds := s.feeds.Health()
	now := s.clock()
	for _, feed := range feeds {
		s.metrics.RecordQuoteAge(feed.Asset.String(), now.Sub(time.Unix(feed.Quote.PublishTime, 0)))
	}
	return feeds, nil
}

// Credit mints amount of mint into account and returns the new balance.
func (s *Service) Credit(ctx context.Context, mint, account lending.Address, amount uint64) (uint64, error) {
	if mint.IsZero() || account.IsZero() {
		return 0, fmt.Errorf("%w: mint and account required", ErrInvalidArgument)
	}
	if amount == 0 {
		return 0, lending.ErrZeroAmount
	}
	releaseUser := s.locks.lock(userKey(account))
	defer releaseUser()
	releaseBank := s.locks.lockBanks([]lending.Address{mint})
	defer releaseBank()
	var balance uint64
	err := s.run(ctx, "credit", positionAttrs(account, mint, amount), func(_ *lending.Engine, txn *state.Txn) error {
		if err := txn.Credit(mint, account, amount); err != nil {
			return err
		}
		var err error
		balance, err = txn.Balance(mint, account)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Balance returns the custody balance of account for mint.
func (s *Service) Balance(ctx context.Context, mint, account lending.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.state.Balance(mint, account)
}

// IsTransient reports whether err may succeed on retry without caller changes.
func IsTransient(err error) bool {
	return errors.Is(err, lending.ErrStaleOracle) || errors.Is(err, lending.ErrOracleUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
