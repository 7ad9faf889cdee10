package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"zaiko/backend/internal/cache"
	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/store"
)

var (
	ErrUnauthenticated = errors.New("actor and branch context required")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidSale     = fmt.Errorf("%w: sale", ErrInvalidInput)
	ErrPaymentMismatch = errors.New("payments do not match sale total")
	ErrForbidden       = errors.New("forbidden")
	// ErrIdempotencyConflict is returned when an externalId is replayed by
	// an actor or branch other than the one that committed it.
	ErrIdempotencyConflict = errors.New("externalId already used by another actor")

	ErrNoOpenSession      = store.ErrNoOpenSession
	ErrSessionAlreadyOpen = store.ErrSessionAlreadyOpen
	ErrAlreadyClosed      = store.ErrSessionClosed
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	if !ok || actor.UserID == "" || actor.BranchID == "" {
		return domain.Actor{}, false
	}
	return actor, true
}

type Service struct {
	repo         store.Repository
	sales        cache.SaleCache
	saleCacheTTL time.Duration
	log          zerolog.Logger
	metrics      *metrics.Server
	now          func() time.Time
}

type Option func(*Service)

func WithSaleCache(c cache.SaleCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.sales = c
		s.saleCacheTTL = ttl
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.log = logger
	}
}

func WithMetrics(m *metrics.Server) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		sales:        cache.NoopSaleCache{},
		saleCacheTTL: 10 * time.Minute,
		log:          zerolog.Nop(),
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "service").Logger()
	return s
}

func (s *Service) StockLevel(ctx context.Context, productID string) (domain.StockEntry, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.StockEntry{}, err
	}
	qty, err := s.repo.StockQuantity(ctx, actor.BranchID, productID)
	if err != nil {
		return domain.StockEntry{}, err
	}
	return domain.StockEntry{BranchID: actor.BranchID, ProductID: productID, Quantity: qty}, nil
}

func (s *Service) actor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}
