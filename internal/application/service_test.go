package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/camposec/vigil/internal/adapters/db/sqlite"
	"github.com/camposec/vigil/internal/config"
	"github.com/camposec/vigil/internal/domain"
	"github.com/camposec/vigil/internal/plate"
)

func newTestService(t *testing.T) (*Service, domain.Repository) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "vigil.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := sqlite.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	repo := sqlite.NewRepository(db)

	engine := config.Default().Engine
	normalizer, err := plate.New(plate.Config{
		ConfidenceThreshold: engine.ConfidenceThreshold,
		Pattern:             engine.PlatePattern,
		Substitutions:       engine.OCRSubstitutions,
	})
	if err != nil {
		t.Fatalf("build normalizer: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, normalizer, engine, logger), repo
}

func submit(t *testing.T, svc *Service, raw string, employeeID uint, observedAt time.Time) SubmitResult {
	t.Helper()

	result, err := svc.SubmitInfraction(context.Background(), SubmitInput{
		RawPlate:   raw,
		Confidence: 0.97,
		EmployeeID: employeeID,
		Latitude:   19.5036,
		Longitude:  -99.1468,
		ObservedAt: observedAt,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", raw, err)
	}
	return result
}

func TestEscalationSequence(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	expected := []domain.SanctionState{domain.StateNotified, domain.StateWarned, domain.StateBlocked}
	for i, want := range expected {
		result := submit(t, svc, "ABC123", 1, base.Add(time.Duration(i)*time.Hour))
		if result.State != want {
			t.Fatalf("offense %d: expected %s, got %s", i+1, want, result.State)
		}
		if result.Ordinal != i+1 {
			t.Fatalf("offense %d: expected ordinal %d, got %d", i+1, i+1, result.Ordinal)
		}
	}

	// A fourth offense stays BLOCKED and re-queues the idempotent BLOCK.
	result := submit(t, svc, "ABC123", 1, base.Add(4*time.Hour))
	if result.State != domain.StateBlocked {
		t.Fatalf("expected BLOCKED on repeat offense, got %s", result.State)
	}

	pending, err := repo.PendingEffects(ctx, 50)
	if err != nil {
		t.Fatalf("pending effects: %v", err)
	}
	types := make([]domain.EffectType, 0, len(pending))
	for _, effect := range pending {
		types = append(types, effect.Type)
	}
	want := []domain.EffectType{domain.EffectNotify, domain.EffectWarn, domain.EffectBlock, domain.EffectBlock}
	if len(types) != len(want) {
		t.Fatalf("expected %d queued effects, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("effect %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestDebounceSuppressesDuplicateReads(t *testing.T) {
	svc, _ := newTestService(t)

	observed := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	first := submit(t, svc, "ABC123", 1, observed)
	if first.Duplicate {
		t.Fatal("first read must not be a duplicate")
	}

	second := submit(t, svc, "ABC123", 1, observed.Add(10*time.Second))
	if !second.Duplicate {
		t.Fatal("second read inside the debounce window must be deduplicated")
	}
	if second.Record.PublicID != first.Record.PublicID {
		t.Fatal("duplicate must reference the original record")
	}
	if second.Ordinal != 1 {
		t.Fatalf("duplicate must not raise the ordinal, got %d", second.Ordinal)
	}

	// A different guard seeing the same plate at the same moment is a
	// separate offense, not a duplicate.
	other := submit(t, svc, "ABC123", 2, observed.Add(5*time.Second))
	if other.Duplicate {
		t.Fatal("other employee's read must not be deduplicated")
	}
}

func TestLowConfidenceRejectedBeforeWrite(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitInfraction(ctx, SubmitInput{
		RawPlate:   "ABC123",
		Confidence: 0.40,
		EmployeeID: 1,
		Latitude:   19.5,
		Longitude:  -99.1,
		ObservedAt: time.Now(),
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	count, err := repo.CountRecords(ctx, "ABC123")
	if err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected read must not be written, found %d records", count)
	}
}

func TestNormalizationGroupsEquivalentReads(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	first := submit(t, svc, "ab-c123", 1, base)
	second := submit(t, svc, "ABC 123", 1, base.Add(time.Hour))
	// O reads as 0 under the default confusion table.
	third := submit(t, svc, "ABC12O", 1, base.Add(2*time.Hour))

	if first.Record.VehicleKey != "ABC123" || second.Record.VehicleKey != "ABC123" {
		t.Fatalf("separators must not split a vehicle: %s vs %s",
			first.Record.VehicleKey, second.Record.VehicleKey)
	}
	if third.Record.VehicleKey != "ABC120" {
		t.Fatalf("expected confusion substitution to apply, got %s", third.Record.VehicleKey)
	}
}

func TestConcurrentSubmissionsCountExactly(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	const n = 8
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitInfraction(ctx, SubmitInput{
				RawPlate:   "ABC123",
				Confidence: 0.97,
				EmployeeID: uint(i + 1),
				Latitude:   19.5,
				Longitude:  -99.1,
				ObservedAt: base.Add(time.Duration(i) * time.Hour),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit: %v", err)
		}
	}

	count, err := repo.CountRecords(ctx, "ABC123")
	if err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != n {
		t.Fatalf("expected exactly %d records, got %d", n, count)
	}

	state, err := repo.GetSanctionState(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get sanction state: %v", err)
	}
	if state.State != domain.StateBlocked {
		t.Fatalf("expected BLOCKED after %d offenses, got %s", n, state.State)
	}
}

func TestResetMovesBaselineAndReescalates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		submit(t, svc, "ABC123", 1, base.Add(time.Duration(i)*time.Hour))
	}

	admin := domain.Identity{Employee: domain.Employee{ID: 99, BadgeNumber: "admin"}}
	state, err := svc.ResetVehicle(ctx, admin, "ABC123", "appeal upheld")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if state.State != domain.StateClean {
		t.Fatalf("expected CLEAN after reset, got %s", state.State)
	}

	status, err := svc.VehicleStatus(ctx, "ABC123")
	if err != nil {
		t.Fatalf("status after reset: %v", err)
	}
	if status.QualifyingCount != 0 {
		t.Fatalf("reset must zero the qualifying count, got %d", status.QualifyingCount)
	}

	// A fresh offense after the reset restarts the ladder at NOTIFIED
	// instead of jumping straight back to BLOCKED.
	result := submit(t, svc, "ABC123", 1, time.Now().UTC())
	if result.State != domain.StateNotified || result.Ordinal != 1 {
		t.Fatalf("expected NOTIFIED/1 after reset, got %s/%d", result.State, result.Ordinal)
	}
}

func TestVoidLowersCountWithoutRegressingState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result := submit(t, svc, "ABC123", 1, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	if result.State != domain.StateNotified {
		t.Fatalf("expected NOTIFIED, got %s", result.State)
	}

	admin := domain.Identity{Employee: domain.Employee{ID: 99, BadgeNumber: "admin"}}
	if _, err := svc.VoidInfraction(ctx, admin, result.Record.PublicID, "misread plate"); err != nil {
		t.Fatalf("void: %v", err)
	}

	status, err := svc.VehicleStatus(ctx, "ABC123")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.QualifyingCount != 0 {
		t.Fatalf("void must remove the record from counting, got %d", status.QualifyingCount)
	}
	if status.State != domain.StateNotified {
		t.Fatalf("state must not regress automatically, got %s", status.State)
	}

	// The lowered count now disagrees with the stored state; reconciliation
	// surfaces the drift instead of walking the state backward.
	err = svc.Reconcile(ctx, "ABC123")
	if !errors.Is(err, domain.ErrStateDrift) {
		t.Fatalf("expected ErrStateDrift, got %v", err)
	}
}

func TestLockTimeoutReturnsBusy(t *testing.T) {
	svc, _ := newTestService(t)
	svc.engine.LockTimeoutSeconds = 1
	ctx := context.Background()

	release, err := svc.locks.acquire(ctx, "ABC123", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = svc.SubmitInfraction(ctx, SubmitInput{
		RawPlate:   "ABC123",
		Confidence: 0.97,
		EmployeeID: 1,
		Latitude:   19.5,
		Longitude:  -99.1,
		ObservedAt: time.Now(),
	})
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy while vehicle is held, got %v", err)
	}
}
