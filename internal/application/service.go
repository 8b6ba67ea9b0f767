// Package application wires the escalation engine together: plate
// normalization, the append-only ledger, the recidivism count, the sanction
// machine and the effect outbox, plus employee authentication around them.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/camposec/vigil/internal/config"
	"github.com/camposec/vigil/internal/domain"
	"github.com/camposec/vigil/internal/plate"
	"github.com/camposec/vigil/internal/sanction"
	"github.com/google/uuid"
)

type Service struct {
	repo       domain.Repository
	normalizer *plate.Normalizer
	engine     config.EngineConfig
	logger     *slog.Logger
	locks      *keyMutex

	// reconcileKick nudges the background worker after a submission that
	// appended its record but failed to advance the sanction state.
	reconcileKick chan struct{}

	now func() time.Time
}

func NewService(repo domain.Repository, normalizer *plate.Normalizer, engine config.EngineConfig, logger *slog.Logger) *Service {
	return &Service{
		repo:          repo,
		normalizer:    normalizer,
		engine:        engine,
		logger:        logger,
		locks:         newKeyMutex(),
		reconcileKick: make(chan struct{}, 1),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type SubmitInput struct {
	RawPlate   string
	Confidence float64
	EmployeeID uint
	Latitude   float64
	Longitude  float64
	ObservedAt time.Time
	Note       string
}

type SubmitResult struct {
	Record    domain.InfractionRecord
	State     domain.SanctionState
	Ordinal   int
	Duplicate bool
}

// SubmitInfraction is the write path: validate, normalize, debounce, append,
// then advance the sanction state. The append is the durability point; if the
// state step fails afterward the record stands and the reconciler closes the
// gap.
func (s *Service) SubmitInfraction(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	if err := validateSubmit(input); err != nil {
		return SubmitResult{}, err
	}

	vehicleKey, err := s.normalizer.Normalize(input.RawPlate, input.Confidence)
	if err != nil {
		return SubmitResult{}, err
	}

	release, err := s.locks.acquire(ctx, vehicleKey, s.engine.LockTimeout())
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	dup, err := s.repo.FindDuplicate(ctx, vehicleKey, input.EmployeeID, input.ObservedAt, s.engine.DebounceWindow())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: duplicate check: %v", domain.ErrStorageUnavailable, err)
	}
	if dup != nil {
		state, ordinal, err := s.currentTier(ctx, vehicleKey)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Record: *dup, State: state, Ordinal: ordinal, Duplicate: true}, nil
	}

	recordedAt := s.now()
	last, err := s.repo.LastRecordedAt(ctx, vehicleKey)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: last record lookup: %v", domain.ErrStorageUnavailable, err)
	}
	// recorded_at is strictly monotonic per vehicle so ledger order and wall
	// clock never disagree within one key.
	if last != nil && !recordedAt.After(*last) {
		recordedAt = last.Add(time.Millisecond)
	}

	record, err := s.repo.AppendInfraction(ctx, domain.InfractionRecord{
		PublicID:   uuid.NewString(),
		VehicleKey: vehicleKey,
		EmployeeID: input.EmployeeID,
		Latitude:   input.Latitude,
		Longitude:  input.Longitude,
		ObservedAt: input.ObservedAt,
		Confidence: &input.Confidence,
		Kind:       domain.RecordKindReport,
		Note:       input.Note,
		RecordedAt: recordedAt,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: append infraction: %v", domain.ErrStorageUnavailable, err)
	}

	next, ordinal, err := s.applyTransition(ctx, vehicleKey, &record, true)
	if err != nil {
		// The record is durable. Report the partial outcome and let the
		// reconciler retry the state step.
		s.KickReconcile()
		s.logger.WarnContext(ctx, "transition failed after append",
			"vehicle", vehicleKey, "record", record.PublicID, "error", err)
		return SubmitResult{Record: record}, err
	}

	return SubmitResult{Record: record, State: next, Ordinal: ordinal}, nil
}

func validateSubmit(input SubmitInput) error {
	if input.Latitude < -90 || input.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", domain.ErrInvalidInput, input.Latitude)
	}
	if input.Longitude < -180 || input.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", domain.ErrInvalidInput, input.Longitude)
	}
	if input.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observation time is required", domain.ErrInvalidInput)
	}
	if input.EmployeeID == 0 {
		return fmt.Errorf("%w: reporting employee is required", domain.ErrInvalidInput)
	}
	return nil
}

// applyTransition recomputes the ordinal from the ledger and advances the
// stored sanction state. Callers must hold the vehicle's lock. When
// emitRepeat is set a repeat offense on a BLOCKED vehicle re-queues the
// idempotent BLOCK even though nothing changed.
func (s *Service) applyTransition(ctx context.Context, vehicleKey string, trigger *domain.InfractionRecord, emitRepeat bool) (domain.SanctionState, int, error) {
	asOf := s.now()
	// A clamped RecordedAt can land just past the wall clock; the trigger
	// record must always fall inside its own counting window.
	if trigger != nil && trigger.RecordedAt.After(asOf) {
		asOf = trigger.RecordedAt
	}

	current, err := s.repo.GetSanctionState(ctx, vehicleKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return "", 0, fmt.Errorf("%w: sanction state lookup: %v", domain.ErrStorageUnavailable, err)
		}
		current = domain.VehicleSanctionState{VehicleKey: vehicleKey, State: domain.StateClean}
	}

	ordinal, err := s.countQualifying(ctx, vehicleKey, current.CountedSince, asOf)
	if err != nil {
		return "", 0, err
	}

	result, err := sanction.Transition(current.State, ordinal)
	if err != nil {
		return "", 0, err
	}

	var statePtr *domain.VehicleSanctionState
	if result.Changed {
		current.State = result.Next
		current.OrdinalAtTransition = ordinal
		current.LastTransitionAt = asOf
		if trigger != nil {
			current.TriggerRecordID = &trigger.ID
		}
		statePtr = &current
	}

	var effects []domain.EffectInstruction
	if result.Changed || emitRepeat {
		for _, effectType := range result.Effects {
			effect := domain.EffectInstruction{Type: effectType, VehicleKey: vehicleKey}
			if trigger != nil {
				effect.RecordID = trigger.PublicID
				effect.TargetEmployeeID = trigger.EmployeeID
			}
			effects = append(effects, effect)
		}
	}

	if statePtr != nil || len(effects) > 0 {
		if err := s.repo.SaveTransition(ctx, statePtr, effects); err != nil {
			return "", 0, fmt.Errorf("%w: save transition: %v", domain.ErrStorageUnavailable, err)
		}
	}
	if result.Changed {
		s.logger.InfoContext(ctx, "sanction transition",
			"vehicle", vehicleKey, "state", string(result.Next), "ordinal", ordinal)
	}

	return result.Next, ordinal, nil
}

// countQualifying applies the rolling lookback with the counting baseline:
// an administrative reset moves countedSince forward so older offenses stop
// feeding the ordinal.
func (s *Service) countQualifying(ctx context.Context, vehicleKey string, countedSince *time.Time, asOf time.Time) (int, error) {
	windowStart := asOf.Add(-s.engine.LookbackWindow())
	if countedSince != nil && countedSince.After(windowStart) {
		windowStart = *countedSince
	}
	ordinal, err := s.repo.CountQualifying(ctx, vehicleKey, windowStart, asOf)
	if err != nil {
		return 0, fmt.Errorf("%w: qualifying count: %v", domain.ErrStorageUnavailable, err)
	}
	return ordinal, nil
}

func (s *Service) currentTier(ctx context.Context, vehicleKey string) (domain.SanctionState, int, error) {
	current, err := s.repo.GetSanctionState(ctx, vehicleKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return "", 0, fmt.Errorf("%w: sanction state lookup: %v", domain.ErrStorageUnavailable, err)
		}
		current = domain.VehicleSanctionState{VehicleKey: vehicleKey, State: domain.StateClean}
	}
	ordinal, err := s.countQualifying(ctx, vehicleKey, current.CountedSince, s.now())
	if err != nil {
		return "", 0, err
	}
	return current.State, ordinal, nil
}

// Reconcile re-derives one vehicle's state from its ledger. It only writes
// when the derived tier is ahead of the stored one; drift in the other
// direction is surfaced, never auto-fixed.
func (s *Service) Reconcile(ctx context.Context, vehicleKey string) error {
	release, err := s.locks.acquire(ctx, vehicleKey, s.engine.LockTimeout())
	if err != nil {
		return err
	}
	defer release()

	_, _, err = s.applyTransition(ctx, vehicleKey, nil, false)
	return err
}

// ReconcileAll sweeps every vehicle seen in the ledger. Per-vehicle failures
// are logged and do not stop the sweep.
func (s *Service) ReconcileAll(ctx context.Context) error {
	keys, err := s.repo.ListVehicleKeys(ctx)
	if err != nil {
		return fmt.Errorf("%w: list vehicles: %v", domain.ErrStorageUnavailable, err)
	}
	for _, key := range keys {
		if err := s.Reconcile(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "reconcile failed", "vehicle", key, "error", err)
		}
	}
	return nil
}

// KickReconcile nudges the background worker without blocking.
func (s *Service) KickReconcile() {
	select {
	case s.reconcileKick <- struct{}{}:
	default:
	}
}

// VehicleStatus resolves the read model for one plate. Unknown vehicles
// (no ledger rows, no state) fail with domain.ErrNotFound.
func (s *Service) VehicleStatus(ctx context.Context, rawKey string) (domain.VehicleStatus, error) {
	vehicleKey, err := s.normalizer.NormalizeKey(rawKey)
	if err != nil {
		return domain.VehicleStatus{}, err
	}

	current, err := s.repo.GetSanctionState(ctx, vehicleKey)
	haveState := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.VehicleStatus{}, fmt.Errorf("%w: sanction state lookup: %v", domain.ErrStorageUnavailable, err)
	}
	if !haveState {
		current = domain.VehicleSanctionState{VehicleKey: vehicleKey, State: domain.StateClean}
	}

	total, err := s.repo.CountRecords(ctx, vehicleKey)
	if err != nil {
		return domain.VehicleStatus{}, fmt.Errorf("%w: record count: %v", domain.ErrStorageUnavailable, err)
	}
	if total == 0 && !haveState {
		return domain.VehicleStatus{}, fmt.Errorf("%w: vehicle %s", domain.ErrNotFound, vehicleKey)
	}

	ordinal, err := s.countQualifying(ctx, vehicleKey, current.CountedSince, s.now())
	if err != nil {
		return domain.VehicleStatus{}, err
	}

	return domain.VehicleStatus{
		VehicleKey:       vehicleKey,
		State:            current.State,
		QualifyingCount:  ordinal,
		TotalRecords:     total,
		LastTransitionAt: current.LastTransitionAt,
	}, nil
}

func (s *Service) History(ctx context.Context, rawKey string, limit int) ([]domain.InfractionRecord, error) {
	vehicleKey, err := s.normalizer.NormalizeKey(rawKey)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	records, err := s.repo.History(ctx, vehicleKey, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", domain.ErrStorageUnavailable, err)
	}
	return records, nil
}

// ResetVehicle is the administrative escape hatch: it moves the vehicle back
// to CLEAN and advances the counting baseline so prior offenses stop counting.
// The ledger is untouched.
func (s *Service) ResetVehicle(ctx context.Context, actor domain.Identity, rawKey, reason string) (domain.VehicleSanctionState, error) {
	vehicleKey, err := s.normalizer.NormalizeKey(rawKey)
	if err != nil {
		return domain.VehicleSanctionState{}, err
	}

	release, err := s.locks.acquire(ctx, vehicleKey, s.engine.LockTimeout())
	if err != nil {
		return domain.VehicleSanctionState{}, err
	}
	defer release()

	now := s.now()
	state := domain.VehicleSanctionState{
		VehicleKey:       vehicleKey,
		State:            domain.StateClean,
		LastTransitionAt: now,
		CountedSince:     &now,
	}
	if err := s.repo.SaveTransition(ctx, &state, nil); err != nil {
		return domain.VehicleSanctionState{}, fmt.Errorf("%w: save reset: %v", domain.ErrStorageUnavailable, err)
	}

	s.WriteAudit(ctx, &actor.Employee.ID, "sanction.reset", "vehicle", vehicleKey, reason)
	s.logger.InfoContext(ctx, "sanction reset", "vehicle", vehicleKey, "actor", actor.Employee.BadgeNumber)
	return state, nil
}

// VoidInfraction appends a correcting record that removes the target report
// from recidivism counting. The sanction state never regresses automatically;
// if the lowered count now disagrees with the stored state, the drift stands
// until an administrative reset.
func (s *Service) VoidInfraction(ctx context.Context, actor domain.Identity, publicID, reason string) (domain.InfractionRecord, error) {
	target, err := s.repo.GetInfractionByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.InfractionRecord{}, fmt.Errorf("%w: infraction %s", domain.ErrNotFound, publicID)
		}
		return domain.InfractionRecord{}, fmt.Errorf("%w: infraction lookup: %v", domain.ErrStorageUnavailable, err)
	}
	if target.Kind != domain.RecordKindReport {
		return domain.InfractionRecord{}, fmt.Errorf("%w: only report records can be voided", domain.ErrInvalidInput)
	}

	release, err := s.locks.acquire(ctx, target.VehicleKey, s.engine.LockTimeout())
	if err != nil {
		return domain.InfractionRecord{}, err
	}
	defer release()

	now := s.now()
	void, err := s.repo.AppendInfraction(ctx, domain.InfractionRecord{
		PublicID:     uuid.NewString(),
		VehicleKey:   target.VehicleKey,
		EmployeeID:   actor.Employee.ID,
		ObservedAt:   now,
		Kind:         domain.RecordKindVoid,
		SupersedesID: &target.ID,
		Note:         reason,
		RecordedAt:   now,
	})
	if err != nil {
		return domain.InfractionRecord{}, fmt.Errorf("%w: append void: %v", domain.ErrStorageUnavailable, err)
	}

	s.WriteAudit(ctx, &actor.Employee.ID, "infraction.void", "infraction", publicID, reason)
	return void, nil
}
