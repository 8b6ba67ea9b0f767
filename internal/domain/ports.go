package domain

import (
	"context"
	"time"
)

// Repository is the persistence port owned by the engine. The ledger methods
// are append-only: nothing behind this interface may update or delete an
// infraction row.
type Repository interface {
	// Ledger.
	AppendInfraction(ctx context.Context, value InfractionRecord) (InfractionRecord, error)
	FindDuplicate(ctx context.Context, vehicleKey string, employeeID uint, observedAt time.Time, window time.Duration) (*InfractionRecord, error)
	History(ctx context.Context, vehicleKey string, since *time.Time, limit int) ([]InfractionRecord, error)
	GetInfractionByPublicID(ctx context.Context, publicID string) (InfractionRecord, error)
	LastRecordedAt(ctx context.Context, vehicleKey string) (*time.Time, error)
	CountQualifying(ctx context.Context, vehicleKey string, windowStart, asOf time.Time) (int, error)
	CountRecords(ctx context.Context, vehicleKey string) (int, error)
	ListVehicleKeys(ctx context.Context) ([]string, error)

	// Sanction state.
	GetSanctionState(ctx context.Context, vehicleKey string) (VehicleSanctionState, error)
	SaveTransition(ctx context.Context, state *VehicleSanctionState, effects []EffectInstruction) error

	// Effect outbox.
	PendingEffects(ctx context.Context, limit int) ([]EffectInstruction, error)
	MarkEffectDelivered(ctx context.Context, id uint) error
	MarkEffectFailed(ctx context.Context, id uint, message string) error

	// Employees and access control.
	CreateEmployee(ctx context.Context, value Employee) (Employee, error)
	CountEmployees(ctx context.Context) (int64, error)
	GetEmployeeByBadge(ctx context.Context, badge string) (Employee, error)
	GetEmployeeByID(ctx context.Context, id uint) (Employee, error)
	ListEmployees(ctx context.Context, query string, limit int) ([]Employee, error)
	CreateAPIToken(ctx context.Context, value APIToken) (APIToken, error)
	GetAPITokenByTokenHash(ctx context.Context, tokenHash string) (APIToken, error)
	DeleteAPITokenByTokenHash(ctx context.Context, tokenHash string) error
	CreateRoleIfMissing(ctx context.Context, key, name string) (uint, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreatePermissionIfMissing(ctx context.Context, key string) (uint, error)
	GrantPermissionToRole(ctx context.Context, roleID, permissionID uint) error
	AssignRoleToEmployee(ctx context.Context, employeeID, roleID uint) error
	GetPermissionsByEmployeeID(ctx context.Context, employeeID uint) ([]string, error)

	// Audit.
	CreateAuditLog(ctx context.Context, value AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]AuditRecord, error)
}
