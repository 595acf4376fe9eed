// Package engine is the public operation surface of the market engine.
//
// Each mutating operation reads the clock once, then runs as a single store
// unit of work: it loads the records it needs, validates everything on
// copies, performs exactly one value transfer, and writes the records back
// together with an immutable ledger entry. Any failure rolls the whole unit
// back, so no caller ever observes a half-applied operation.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/keys"
	"github.com/atmx/marketd/internal/metrics"
	"github.com/atmx/marketd/internal/model"
	"github.com/atmx/marketd/internal/pricing"
	"github.com/atmx/marketd/internal/store"
)

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Config holds the engine's collaborators beyond the store and deriver.
// Zero values select the system clock, the LMSR policy and no events.
type Config struct {
	Clock         Clock
	DefaultPolicy string
	Events        EventSink
}

// Service executes market operations against a store.
type Service struct {
	store   store.Store
	keys    *keys.Deriver
	clock   Clock
	policy  string
	events  EventSink
	entryID func() string
}

// NewService creates an engine. It fails if cfg names an unknown policy.
func NewService(st store.Store, deriver *keys.Deriver, cfg Config) (*Service, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = pricing.PolicyLMSR
	}
	if _, err := pricing.ByName(cfg.DefaultPolicy); err != nil {
		return nil, err
	}
	if cfg.Events == nil {
		cfg.Events = NopSink{}
	}
	return &Service{
		store:   st,
		keys:    deriver,
		clock:   cfg.Clock,
		policy:  cfg.DefaultPolicy,
		events:  cfg.Events,
		entryID: uuid.NewString,
	}, nil
}

// DefaultPolicy returns the policy new markets get when none is requested.
func (s *Service) DefaultPolicy() string {
	return s.policy
}

// Program returns the program identity markets are derived under.
func (s *Service) Program() model.Identity {
	return s.keys.Program()
}

// reject records a failed operation and returns err unchanged.
func (s *Service) reject(op string, err error) error {
	kind := fault.KindOf(err)
	metrics.FaultsTotal.WithLabelValues(string(kind)).Inc()
	if kind == fault.Internal {
		slog.Error("operation failed", "op", op, "err", err)
	} else {
		slog.Debug("operation rejected", "op", op, "code", fault.CodeOf(err), "err", err)
	}
	return err
}

func (s *Service) entry(kind model.EntryKind, market, account model.Identity, now time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:        s.entryID(),
		Kind:      kind,
		MarketID:  market,
		Account:   account,
		Timestamp: now,
	}
}

// loadPosition returns the caller's position, or nil if there is none yet.
func loadPosition(ctx context.Context, tx store.Tx, market, user model.Identity) (*model.Position, error) {
	p, err := tx.GetPosition(ctx, market, user)
	if errors.Is(err, fault.ErrPositionNotFound) {
		return nil, nil
	}
	return p, err
}
