package license

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stagebox/kiosk/internal/remote"
	"github.com/stagebox/kiosk/internal/store"
	"go.uber.org/zap"
)

// License kinds, shared with the local activation record.
const (
	KindSubscription = store.KindSubscription
	KindMachine      = store.KindMachine
)

// Validation modes: online means the decision came from the central store,
// offline means it was computed solely from the local cache.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// User-facing rejection reasons, one per distinct cause.
const (
	ReasonNoKey                 = "no activation key on record"
	ReasonMalformedKey          = "activation key format is invalid"
	ReasonKeyNotFound           = "activation key not found"
	ReasonKeyInactive           = "activation key is not active"
	ReasonKeyRevoked            = "activation key has been revoked"
	ReasonKeyExpired            = "activation key has expired"
	ReasonKeyMisconfigured      = "activation key has no time limit configured"
	ReasonSubscriptionInactive  = "subscription is not active"
	ReasonTimeExhausted         = "machine time limit exhausted"
	ReasonActivationUnreachable = "activation service unreachable"
)

var (
	errMissingStore = errors.New("local store is required")
	errMissingKeys  = errors.New("key client is required")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew = "license.service.new"
	opValidate   = "license.validate"
	opActivate   = "license.activate"
	opDeactivate = "license.deactivate"
	opPersist    = "license.persist_activation"
)

// ServiceError wraps a validator failure with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Status is the structured validation result. The validator never raises a
// transport error across this boundary; outages surface as Mode == offline.
type Status struct {
	Activated      bool     `json:"activated"`
	Kind           string   `json:"kind,omitempty"`
	Key            string   `json:"key,omitempty"`
	DaysRemaining  *int64   `json:"daysRemaining,omitempty"`
	HoursRemaining *float64 `json:"hoursRemaining,omitempty"`
	Expired        bool     `json:"expired"`
	Mode           string   `json:"mode"`
	Reason         string   `json:"reason,omitempty"`

	// expiresAt carries the authoritative end date from an online decision
	// into the local write-back.
	expiresAt *time.Time
}

// KeyClient is the slice of the remote store the validator consumes.
type KeyClient interface {
	KeyByValue(ctx context.Context, key string) (remote.ActivationKey, error)
	MarkKeyExpired(ctx context.Context, keyID string) error
	StampFirstUse(ctx context.Context, keyID string) (time.Time, error)
	TouchLastUsed(ctx context.Context, keyID string) error
	SubscriptionByOwner(ctx context.Context, ownerID string) (remote.Subscription, error)
}

// ServiceConfig describes the dependencies of the license validator.
type ServiceConfig struct {
	Store  *store.Service
	Keys   KeyClient
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service decides activation state, preferring the central store and falling
// back to the locally persisted record when the network is unavailable.
type Service struct {
	store     *store.Service
	keys      KeyClient
	clock     func() time.Time
	logger    *zap.Logger
	persistCh chan store.ActivationRecord
}

// NewService constructs the validator. Call Start to run the write-back
// worker that persists fresh online results.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Keys == nil {
		return nil, newServiceError(opServiceNew, "missing_key_client", errMissingKeys)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:     cfg.Store,
		keys:      cfg.Keys,
		clock:     clock,
		logger:    logger,
		persistCh: make(chan store.ActivationRecord, 4),
	}, nil
}

// Start runs the dedicated write-back worker until the context is cancelled.
// A successful online validation enqueues the fresh record here so the
// caller's result is never blocked on a local write; write failures are
// logged and dropped.
func (s *Service) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case record := <-s.persistCh:
				if err := s.store.SaveActivation(ctx, record); err != nil {
					s.logError(opPersist, "write_failed", err, zap.String("kind", record.Kind))
				}
			}
		}
	}()
}

// Validate evaluates the stored activation key. A record that is absent or
// already dead by its own stored fields short-circuits without touching the
// network; otherwise the key is re-validated remotely with the local numbers
// as the offline fallback.
func (s *Service) Validate(ctx context.Context) Status {
	record, err := s.store.Activation(ctx)
	if err != nil {
		// Degraded local read: nothing usable to fall back on.
		s.logError(opValidate, "activation_read_failed", err)
		record = nil
	}
	if record == nil {
		return Status{Activated: false, Expired: false, Mode: ModeOffline, Reason: ReasonNoKey}
	}

	offline := s.evaluateLocal(*record)
	if offline.Expired {
		return offline
	}

	online, err := s.validateRemote(ctx, record.Key)
	if err != nil {
		s.logger.Warn("remote validation unreachable, using local activation data",
			zap.String("operation", opValidate), zap.Error(err))
		return offline
	}
	if online.Activated {
		s.enqueuePersist(online)
	}
	return online
}

// Activate validates a manually entered key and persists it on success.
func (s *Service) Activate(ctx context.Context, rawKey string) Status {
	key := NormalizeKey(rawKey)
	if !ValidKeyFormat(key) {
		return Status{Activated: false, Mode: ModeOnline, Reason: ReasonMalformedKey}
	}

	online, err := s.validateRemote(ctx, key)
	if err != nil {
		s.logError(opActivate, "remote_unreachable", err)
		return Status{Activated: false, Mode: ModeOffline, Reason: ReasonActivationUnreachable}
	}
	if online.Activated {
		s.enqueuePersist(online)
	}
	return online
}

// Deactivate removes the local activation record.
func (s *Service) Deactivate(ctx context.Context) error {
	if err := s.store.RemoveActivation(ctx); err != nil {
		return newServiceError(opDeactivate, "remove_failed", err)
	}
	return nil
}

// validateRemote runs the full online decision for a normalized key. The
// returned error is a transport failure; rejections come back as a Status.
func (s *Service) validateRemote(ctx context.Context, key string) (Status, error) {
	now := s.clock().UTC()

	remoteKey, err := s.keys.KeyByValue(ctx, key)
	if errors.Is(err, remote.ErrNotFound) {
		return Status{Activated: false, Mode: ModeOnline, Reason: ReasonKeyNotFound}, nil
	}
	if err != nil {
		return Status{}, err
	}

	switch remoteKey.Status {
	case remote.KeyStatusActive:
	case remote.KeyStatusRevoked:
		return Status{Activated: false, Expired: false, Mode: ModeOnline, Key: key, Kind: remoteKey.Kind, Reason: ReasonKeyRevoked}, nil
	case remote.KeyStatusExpired:
		return Status{Activated: false, Expired: true, Mode: ModeOnline, Key: key, Kind: remoteKey.Kind, Reason: ReasonKeyExpired}, nil
	default:
		return Status{Activated: false, Mode: ModeOnline, Key: key, Kind: remoteKey.Kind, Reason: ReasonKeyInactive}, nil
	}

	switch remoteKey.Kind {
	case KindSubscription:
		return s.validateSubscriptionKey(ctx, remoteKey, now)
	case KindMachine:
		return s.validateMachineKey(ctx, remoteKey, now)
	default:
		return Status{Activated: false, Mode: ModeOnline, Key: key, Kind: remoteKey.Kind, Reason: ReasonKeyInactive}, nil
	}
}

func (s *Service) validateSubscriptionKey(ctx context.Context, key remote.ActivationKey, now time.Time) (Status, error) {
	if key.ExpirationDate != nil && key.ExpirationDate.Before(now) {
		if err := s.keys.MarkKeyExpired(ctx, key.ID); err != nil {
			return Status{}, err
		}
		return Status{Activated: false, Expired: true, Mode: ModeOnline, Key: key.Key, Kind: KindSubscription, Reason: ReasonKeyExpired}, nil
	}

	end := key.ExpirationDate
	if key.OwnerID != nil {
		subscription, err := s.keys.SubscriptionByOwner(ctx, *key.OwnerID)
		switch {
		case errors.Is(err, remote.ErrNotFound):
			// A key without a billing row is valid standalone.
		case err != nil:
			return Status{}, err
		case subscription.Status != remote.SubscriptionStatusActive:
			return Status{Activated: false, Mode: ModeOnline, Key: key.Key, Kind: KindSubscription, Reason: ReasonSubscriptionInactive}, nil
		default:
			// The billing period end is the authoritative horizon.
			periodEnd := subscription.PeriodEnd
			end = &periodEnd
		}
	}

	status := Status{Activated: true, Mode: ModeOnline, Key: key.Key, Kind: KindSubscription}
	if end != nil {
		days := daysUntil(*end, now)
		status.DaysRemaining = &days
		status.expiresAt = end
	}

	if err := s.keys.TouchLastUsed(ctx, key.ID); err != nil {
		s.logger.Warn("failed to record key usage",
			zap.String("operation", opValidate), zap.Error(err))
	}
	return status, nil
}

func (s *Service) validateMachineKey(ctx context.Context, key remote.ActivationKey, now time.Time) (Status, error) {
	if key.TimeLimitHours == nil {
		return Status{Activated: false, Mode: ModeOnline, Key: key.Key, Kind: KindMachine, Reason: ReasonKeyMisconfigured}, nil
	}
	limitHours := float64(*key.TimeLimitHours)

	if key.StartDate == nil {
		// First use starts the rolling window and grants the full budget.
		if _, err := s.keys.StampFirstUse(ctx, key.ID); err != nil {
			return Status{}, err
		}
		hours := limitHours
		return Status{Activated: true, Mode: ModeOnline, Key: key.Key, Kind: KindMachine, HoursRemaining: &hours}, nil
	}

	elapsed := now.Sub(key.StartDate.UTC()).Hours()
	hours := limitHours - elapsed
	if hours <= 0 {
		if err := s.keys.MarkKeyExpired(ctx, key.ID); err != nil {
			return Status{}, err
		}
		zero := 0.0
		return Status{Activated: false, Expired: true, Mode: ModeOnline, Key: key.Key, Kind: KindMachine, HoursRemaining: &zero, Reason: ReasonTimeExhausted}, nil
	}

	if err := s.keys.TouchLastUsed(ctx, key.ID); err != nil {
		s.logger.Warn("failed to record key usage",
			zap.String("operation", opValidate), zap.Error(err))
	}
	return Status{Activated: true, Mode: ModeOnline, Key: key.Key, Kind: KindMachine, HoursRemaining: &hours}, nil
}

// evaluateLocal computes the offline decision from the stored record alone.
func (s *Service) evaluateLocal(record store.ActivationRecord) Status {
	now := s.clock().UTC()
	status := Status{Kind: record.Kind, Key: record.Key, Mode: ModeOffline}

	switch {
	case record.Kind == KindSubscription && record.ExpiresAtSeconds != nil:
		expiresAt := time.Unix(*record.ExpiresAtSeconds, 0).UTC()
		if expiresAt.Before(now) {
			status.Expired = true
			return status
		}
		days := daysUntil(expiresAt, now)
		status.Activated = true
		status.DaysRemaining = &days
		return status

	case record.Kind == KindMachine && record.HoursRemaining != nil:
		// Hours decay with wall-clock time since the last online validation.
		elapsed := now.Sub(time.Unix(record.ValidatedAtSeconds, 0).UTC()).Hours()
		hours := math.Max(0, *record.HoursRemaining-elapsed)
		status.HoursRemaining = &hours
		status.Expired = hours <= 0
		status.Activated = !status.Expired
		if status.Expired {
			status.Reason = ReasonTimeExhausted
		}
		return status

	default:
		status.Activated = true
		status.DaysRemaining = record.DaysRemaining
		status.HoursRemaining = record.HoursRemaining
		return status
	}
}

// enqueuePersist hands a fresh online result to the write-back worker
// without blocking the validation path.
func (s *Service) enqueuePersist(status Status) {
	record := store.ActivationRecord{
		Key:                status.Key,
		Kind:               status.Kind,
		DaysRemaining:      status.DaysRemaining,
		HoursRemaining:     status.HoursRemaining,
		ValidatedAtSeconds: s.clock().UTC().Unix(),
	}
	if status.expiresAt != nil {
		expiresAt := status.expiresAt.UTC().Unix()
		record.ExpiresAtSeconds = &expiresAt
	}

	select {
	case s.persistCh <- record:
	default:
		s.logError(opPersist, "queue_full", nil, zap.String("kind", record.Kind))
	}
}

func daysUntil(end, now time.Time) int64 {
	days := int64(math.Ceil(end.Sub(now).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("license validator error", attrs...)
}
