package domain

import "time"

// SanctionState is the escalation tier of a vehicle. It only advances
// automatically; only an administrative reset moves it back to CLEAN.
type SanctionState string

const (
	StateClean    SanctionState = "CLEAN"
	StateNotified SanctionState = "NOTIFIED"
	StateWarned   SanctionState = "WARNED"
	StateBlocked  SanctionState = "BLOCKED"
)

// EffectType identifies an outbound enforcement or notification instruction.
type EffectType string

const (
	EffectNotify EffectType = "NOTIFY"
	EffectWarn   EffectType = "WARN"
	EffectBlock  EffectType = "BLOCK"
)

// Infraction record kinds. A void record supersedes an earlier report and
// removes it from recidivism counting; the superseded row is never touched.
const (
	RecordKindReport = "report"
	RecordKindVoid   = "void"
)

// InfractionRecord is one ledger entry. Rows are immutable once appended;
// corrections are new rows referencing the superseded one.
type InfractionRecord struct {
	ID           uint
	PublicID     string
	VehicleKey   string
	EmployeeID   uint
	Latitude     float64
	Longitude    float64
	ObservedAt   time.Time
	Confidence   *float64
	Kind         string
	SupersedesID *uint
	Note         string
	RecordedAt   time.Time
}

// VehicleSanctionState is the single mutable row per vehicle key.
// OrdinalAtTransition is the classifier count at the moment of the last
// transition and is used to detect ledger/state drift. CountedSince is the
// counting baseline: an administrative reset moves it forward so that prior
// offenses stop feeding the ordinal without deleting ledger history.
type VehicleSanctionState struct {
	VehicleKey          string
	State               SanctionState
	OrdinalAtTransition int
	LastTransitionAt    time.Time
	TriggerRecordID     *uint
	CountedSince        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EffectInstruction is a durably queued outbound instruction. Delivery is
// at-least-once; consumers must treat BLOCK as idempotent.
type EffectInstruction struct {
	ID               uint
	Type             EffectType
	VehicleKey       string
	RecordID         string
	TargetEmployeeID uint
	CreatedAt        time.Time
	DeliveredAt      *time.Time
	Attempts         int
	LastError        string
}

// VehicleStatus is the read model exposed to enforcement and reporting
// collaborators.
type VehicleStatus struct {
	VehicleKey       string
	State            SanctionState
	QualifyingCount  int
	TotalRecords     int
	LastTransitionAt time.Time
}

type Employee struct {
	ID           uint
	BadgeNumber  string
	FullName     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type APIToken struct {
	ID         uint
	EmployeeID uint
	Name       string
	TokenHash  string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

type Role struct {
	ID        uint
	Key       string
	Name      string
	CreatedAt time.Time
}

type AuditLog struct {
	ID              uint
	ActorEmployeeID *uint
	Action          string
	TargetType      string
	TargetKey       string
	Metadata        string
	CreatedAt       time.Time
}

type AuditRecord struct {
	ID              uint
	ActorEmployeeID *uint
	ActorBadge      string
	Action          string
	TargetType      string
	TargetKey       string
	Metadata        string
	CreatedAt       time.Time
}

type Identity struct {
	Employee    Employee
	Permissions map[string]struct{}
}
