package counterparty

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/platform/sentinel"
)

// Store persists versioned key material per counterparty.
type Store interface {
	// PutKey stores pem as the next version and makes it current.
	PutKey(ctx context.Context, counterpartyID, pem string) (int64, error)
	// GetKey returns sentinel.ErrNotFound for an unknown version.
	GetKey(ctx context.Context, counterpartyID string, version int64) (string, error)
	// CurrentVersion returns 0 when no key has been registered.
	CurrentVersion(ctx context.Context, counterpartyID string) (int64, error)
	SetTransitionUntil(ctx context.Context, counterpartyID string, until time.Time) error
	// TransitionUntil returns the zero time when no window is set.
	TransitionUntil(ctx context.Context, counterpartyID string) (time.Time, error)
}

// Registry resolves verification keys. Any store failure is reported as
// unavailable; callers must not treat it as "no key".
type Registry struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

type Option func(*Registry)

func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterKey validates pemText and stores it as the new current version.
// When transition is positive the previous version stays valid until now+transition.
func (r *Registry) RegisterKey(ctx context.Context, counterpartyID, pemText string, transition time.Duration) (*KeyInfo, error) {
	counterpartyID = strings.TrimSpace(counterpartyID)
	if counterpartyID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "counterparty id is required")
	}
	_, alg, err := ParsePublicKey(pemText)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid public key")
	}

	version, err := r.store.PutKey(ctx, counterpartyID, pemText)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key store unavailable")
	}
	info := &KeyInfo{CounterpartyID: counterpartyID, Version: version, Algorithm: alg}

	if transition > 0 && version > 1 {
		until := r.clock().Add(transition).UTC()
		if err := r.store.SetTransitionUntil(ctx, counterpartyID, until); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key store unavailable")
		}
		info.TransitionUntil = &until
	}

	r.logger.InfoContext(ctx, "counterparty key registered",
		"counterparty_id", counterpartyID,
		"version", version,
		"algorithm", alg,
	)
	return info, nil
}

// SetTransition opens or extends the window during which the previous key is accepted.
func (r *Registry) SetTransition(ctx context.Context, counterpartyID string, until time.Time) error {
	if err := r.store.SetTransitionUntil(ctx, counterpartyID, until.UTC()); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key store unavailable")
	}
	return nil
}

// CurrentKey returns the newest key, or CodeNotFound when none is registered.
func (r *Registry) CurrentKey(ctx context.Context, counterpartyID string) (*Key, error) {
	version, err := r.store.CurrentVersion(ctx, counterpartyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key store unavailable")
	}
	if version == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "no key registered for counterparty")
	}
	return r.load(ctx, counterpartyID, version)
}

// VerificationKeys returns the current key and, inside a transition window,
// the previous one. An empty result means no key is registered.
func (r *Registry) VerificationKeys(ctx context.Context, counterpartyID string) ([]Key, error) {
	version, err := r.store.CurrentVersion(ctx, counterpartyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key store unavailable")
	}
	if version == 0 {
		return nil, nil
	}

	current, err := r.load(ctx, counterpartyID, version)
	if err != nil {
		return nil, err
	}
	keys := []Key{*current}

	if version > 1 {
		until, err := r.store.TransitionUntil(ctx, counterpartyID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key store unavailable")
		}
		if !until.IsZero() && r.clock().Before(until) {
			previous, err := r.load(ctx, counterpartyID, version-1)
			if err != nil {
				return nil, err
			}
			keys = append(keys, *previous)
		}
	}
	return keys, nil
}

func (r *Registry) load(ctx context.Context, counterpartyID string, version int64) (*Key, error) {
	pemText, err := r.store.GetKey(ctx, counterpartyID, version)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key version missing")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "counterparty key store unavailable")
	}
	pub, alg, err := ParsePublicKey(pemText)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "stored counterparty key is invalid")
	}
	return &Key{
		CounterpartyID: counterpartyID,
		Version:        version,
		PEM:            pemText,
		PublicKey:      pub,
		Algorithm:      alg,
	}, nil
}
