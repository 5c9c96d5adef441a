package session

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/domain"
	"github.com/sushant-115/gojosession/core/store"
	"github.com/sushant-115/gojosession/core/transaction"
	commonutils "github.com/sushant-115/gojosession/internal/common_utils"
	internaltelemetry "github.com/sushant-115/gojosession/internal/telemetry"
)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) FactoryOption {
	return func(f *Factory) { f.tracer = tracer }
}

func WithMetrics(m *internaltelemetry.SessionMetrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// WithSecondaryErrorHandler receives rollback failures that an abandoned
// auto-transaction could not report.
func WithSecondaryErrorHandler(fn func(error)) FactoryOption {
	return func(f *Factory) { f.onSecondaryError = fn }
}

// Factory hands out sessions over one store and tracks the open ones.
type Factory struct {
	store            store.Store
	opener           transaction.Opener
	cfg              Config
	lockMode         store.LockMode
	kind             domain.Kind
	logger           *zap.Logger
	tracer           trace.Tracer
	metrics          *internaltelemetry.SessionMetrics
	onSecondaryError func(error)

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewFactory validates cfg and returns a Factory over st. The store stays
// owned by the caller.
func NewFactory(st store.Store, cfg Config, opts ...FactoryOption) (*Factory, error) {
	mode, kind, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	f := &Factory{
		store:    st,
		opener:   st,
		cfg:      cfg,
		lockMode: mode,
		kind:     kind,
		logger:   zap.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(f)
	}
	if cfg.MaxTransactionsPerSecond > 0 {
		burst := cfg.TransactionBurst
		if burst == 0 {
			burst = 1
		}
		f.opener = &throttledOpener{
			next:    st,
			limiter: rate.NewLimiter(rate.Limit(cfg.MaxTransactionsPerSecond), burst),
		}
		f.logger.Info("Throttling store transactions",
			zap.Float64("per_second", cfg.MaxTransactionsPerSecond), zap.Int("burst", burst))
	}
	return f, nil
}

// GetSession returns a new session owned by the calling goroutine.
func (f *Factory) GetSession() (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, dberror.User("GetSession", dberror.ErrStoreClosed)
	}
	id := newSessionID()
	s := &Session{
		id:      id,
		changes: NewChangeList(),
		kind:    f.kind,
		owner:   commonutils.GoID(),
		checkGo: f.cfg.CheckOwnership,
		factory: f,
		logger:  f.logger.With(zap.String("session_id", id)),
	}
	s.coord = transaction.NewCoordinator(f.opener,
		transaction.WithLogger(s.logger),
		transaction.WithTracer(f.tracer),
		transaction.WithMetrics(f.metrics),
		transaction.WithChangeFlusher(s),
		transaction.WithSecondaryErrorHandler(f.onSecondaryError),
		transaction.WithLockMode(f.lockMode),
	)
	f.sessions[id] = s
	s.logger.Debug("Session opened")
	return s, nil
}

// OpenSessions reports how many sessions have not been closed.
func (f *Factory) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *Factory) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

// Close closes every open session and refuses new ones. It must not race
// with the sessions' own goroutines. The first error is returned.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	open := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		open = append(open, s)
	}
	f.mu.Unlock()

	var first error
	for _, s := range open {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if len(open) > 0 {
		f.logger.Warn("Closed sessions left open at factory shutdown", zap.Int("sessions", len(open)))
	}
	return first
}

// throttledOpener waits on a shared limiter before opening a transaction.
type throttledOpener struct {
	next    transaction.Opener
	limiter *rate.Limiter
}

func (o *throttledOpener) Begin(ctx context.Context) (store.Transaction, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, dberror.Datastore("begin", err)
	}
	return o.next.Begin(ctx)
}
