// Package machines implements listing, history, lookup and update of provider machines.
package machines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/internal/store"
	"github.com/celerix-dev/celerix-machines/pkg/schema"
	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

var (
	// ErrUserNotFound is returned by History when the caller has no user record.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotAuthorized is returned when a non-staff, non-owner user tries to change a machine.
	ErrNotAuthorized = errors.New("only staff and the machine owner are allowed to change machine info")
	// ErrVersionConflict is returned when the machine changed since the caller read it.
	ErrVersionConflict = errors.New("machine was modified concurrently")
)

// ValidationError wraps a rejected update payload.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid machine update: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Store is the persistence the service needs.
type Store interface {
	GetUser(ctx context.Context, username string) (*schema.User, error)
	GetMachine(ctx context.Context, providerID, id string) (*schema.CoreMachine, error)
	GetOrCreateMachine(ctx context.Context, m *schema.CoreMachine) (*schema.CoreMachine, error)
	SaveMachine(ctx context.Context, m *schema.CoreMachine, expectedVersion int64) (*schema.CoreMachine, error)
}

// Notifier is told about every persisted machine update.
type Notifier interface {
	MachineUpdated(ctx context.Context, m *schema.CoreMachine, actor string)
}

// Validator checks an update payload.
type Validator func(u *schema.MachineUpdate) error

// Scope is the provider and identity a request runs against.
type Scope struct {
	ProviderID string
	Identity   *schema.Identity
}

// Service runs machine operations. Each operation opens its own driver session
// and closes it before returning.
type Service struct {
	drivers  sdk.DriverFactory
	store    Store
	notifier Notifier
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the update notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the clock used by the validity predicate.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Service.
func NewService(drivers sdk.DriverFactory, st Store, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		drivers: drivers,
		store:   st,
		log:     log,
		tracer:  otel.Tracer("github.com/celerix-dev/celerix-machines/internal/machines"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) start(ctx context.Context, op string, scope Scope, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("provider.id", scope.ProviderID))
	if scope.Identity != nil {
		attrs = append(attrs, attribute.String("identity.id", scope.Identity.ID))
	}
	return s.tracer.Start(ctx, "machines."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// List returns the machines of the scope, blacklisted and end-dated ones removed,
// in driver order.
func (s *Service) List(ctx context.Context, scope Scope) (_ []*schema.CoreMachine, err error) {
	ctx, span := s.start(ctx, "List", scope)
	defer func() { finish(span, err) }()

	drv, err := s.drivers.Open(ctx, scope.ProviderID, scope.Identity)
	if err != nil {
		return nil, err
	}
	defer drv.Close()

	return s.allFiltered(ctx, drv, scope)
}

func (s *Service) allFiltered(ctx context.Context, drv sdk.Driver, scope Scope) ([]*schema.CoreMachine, error) {
	natives, err := drv.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	natives = FilterBlacklisted(natives, Blacklist)

	now := s.now()
	out := make([]*schema.CoreMachine, 0, len(natives))
	for _, n := range natives {
		m, err := s.Convert(ctx, scope, n)
		if err != nil {
			return nil, err
		}
		if Valid(m, now) {
			out = append(out, m)
		}
	}
	return out, nil
}

// History returns the machines created by username, newest first.
func (s *Service) History(ctx context.Context, scope Scope, username string) (_ []*schema.CoreMachine, err error) {
	ctx, span := s.start(ctx, "History", scope, attribute.String("user", username))
	defer func() { finish(span, err) }()

	user, err := s.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	drv, err := s.drivers.Open(ctx, scope.ProviderID, scope.Identity)
	if err != nil {
		return nil, err
	}
	defer drv.Close()

	all, err := s.allFiltered(ctx, drv, scope)
	if err != nil {
		return nil, err
	}
	return OwnedBy(Reversed(all), user.Username), nil
}

// Get returns one machine as the driver currently reports it. No filtering is applied.
func (s *Service) Get(ctx context.Context, scope Scope, id string) (_ *schema.CoreMachine, err error) {
	ctx, span := s.start(ctx, "Get", scope, attribute.String("machine.id", id))
	defer func() { finish(span, err) }()

	drv, err := s.drivers.Open(ctx, scope.ProviderID, scope.Identity)
	if err != nil {
		return nil, err
	}
	defer drv.Close()

	native, err := drv.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Convert(ctx, scope, native)
}

// Update changes a machine on behalf of user.
// Only staff and the machine owner may update. The payload is validated after
// authorization; ifMatch, when set, must equal the current version. The metadata is
// pushed to the driver before the record is persisted. If persisting fails the
// previous driver values are restored on a best-effort basis; if another update
// committed first, the driver is brought back to that update's values instead.
func (s *Service) Update(ctx context.Context, scope Scope, user *schema.User, id string,
	upd *schema.MachineUpdate, validate Validator, ifMatch *int64) (_ *schema.CoreMachine, err error) {
	ctx, span := s.start(ctx, "Update", scope, attribute.String("machine.id", id))
	defer func() { finish(span, err) }()

	drv, err := s.drivers.Open(ctx, scope.ProviderID, scope.Identity)
	if err != nil {
		return nil, err
	}
	defer drv.Close()

	native, err := drv.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := s.Convert(ctx, scope, native)
	if err != nil {
		return nil, err
	}

	if !user.IsStaff && !schema.SameUser(user.Username, current.CreatedBy) {
		s.log.Warn("non-staff/non-owner trying to update a machine",
			zap.String("user", user.Username), zap.String("machine", id), zap.String("owner", current.CreatedBy))
		return nil, ErrNotAuthorized
	}

	if validate != nil {
		if err := validate(upd); err != nil {
			return nil, &ValidationError{Err: err}
		}
	}

	expected := current.Version
	if ifMatch != nil && *ifMatch != expected {
		return nil, ErrVersionConflict
	}

	next := current.Clone()
	upd.Apply(next)

	pushed := upd.DriverMetadata()
	if len(pushed) > 0 {
		s.log.Info("syncing machine metadata",
			zap.String("machine", id), zap.Any("metadata", pushed))
		if err := drv.UpdateMetadata(ctx, id, pushed); err != nil {
			return nil, fmt.Errorf("sync metadata: %w", err)
		}
	}
	next.Metadata = mergeMetadata(native.Metadata, pushed)

	saved, err := s.store.SaveMachine(ctx, next, expected)
	if errors.Is(err, store.ErrVersionConflict) {
		s.reconcile(ctx, drv, scope.ProviderID, id, pushed)
		return nil, ErrVersionConflict
	}
	if err != nil {
		s.restore(ctx, drv, id, native.Metadata, pushed)
		return nil, fmt.Errorf("save machine: %w", err)
	}

	s.log.Info("machine updated",
		zap.String("machine", id), zap.String("user", user.Username), zap.Int64("version", saved.Version))
	if s.notifier != nil {
		s.notifier.MachineUpdated(ctx, saved, user.Username)
	}
	return saved, nil
}

// restore pushes back the driver values the failed update overwrote.
// Keys absent before the update are blanked, the driver has no delete.
func (s *Service) restore(ctx context.Context, drv sdk.Driver, id string, before, pushed map[string]string) {
	if len(pushed) == 0 {
		return
	}
	prior := make(map[string]string, len(pushed))
	for k := range pushed {
		prior[k] = before[k]
	}
	if err := drv.UpdateMetadata(context.WithoutCancel(ctx), id, prior); err != nil {
		s.log.Error("driver metadata diverged from stored machine",
			zap.String("machine", id), zap.Error(err))
	}
}

// reconcile runs after losing a version race. The committed record owns the
// driver state, so the keys this update pushed are reset to the winner's values.
func (s *Service) reconcile(ctx context.Context, drv sdk.Driver, providerID, id string, pushed map[string]string) {
	if len(pushed) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	winner, err := s.store.GetMachine(ctx, providerID, id)
	if err != nil {
		s.log.Error("could not read winning machine after version conflict",
			zap.String("machine", id), zap.Error(err))
		return
	}
	values := make(map[string]string, len(pushed))
	for k := range pushed {
		values[k] = winner.Metadata[k]
	}
	if err := drv.UpdateMetadata(ctx, id, values); err != nil {
		s.log.Error("driver metadata diverged from stored machine",
			zap.String("machine", id), zap.Error(err))
	}
}

// Convert maps a driver image onto its core record, creating the record on first sight.
// The owner defaults to the image owner, else to the identity creator.
// Metadata always reflects the live driver value.
func (s *Service) Convert(ctx context.Context, scope Scope, native sdk.NativeMachine) (*schema.CoreMachine, error) {
	rec, err := s.store.GetMachine(ctx, scope.ProviderID, native.ID)
	if errors.Is(err, store.ErrNotFound) {
		owner := native.Owner
		if owner == "" && scope.Identity != nil {
			owner = scope.Identity.CreatedBy
		}
		rec, err = s.store.GetOrCreateMachine(ctx, &schema.CoreMachine{
			ID:         native.ID,
			ProviderID: scope.ProviderID,
			Name:       native.Name,
			Tags:       []string{},
			CreatedBy:  owner,
			StartDate:  native.CreatedAt,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("convert machine %s: %w", native.ID, err)
	}

	rec.Metadata = mergeMetadata(native.Metadata, nil)
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	return rec, nil
}

func mergeMetadata(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
