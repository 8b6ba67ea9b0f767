package sqlite

import "time"

type InfractionModel struct {
	ID           uint    `gorm:"primaryKey"`
	PublicID     string  `gorm:"not null;uniqueIndex"`
	VehicleKey   string  `gorm:"not null;index:idx_infraction_vehicle"`
	EmployeeID   uint    `gorm:"not null;index"`
	Latitude     float64 `gorm:"not null"`
	Longitude    float64 `gorm:"not null"`
	ObservedAt   time.Time
	Confidence   *float64
	Kind         string `gorm:"not null;default:'report'"`
	SupersedesID *uint  `gorm:"index"`
	Note         string
	RecordedAt   time.Time `gorm:"not null;index:idx_infraction_vehicle"`
	CreatedAt    time.Time
}

func (InfractionModel) TableName() string { return "infractions" }

type VehicleStateModel struct {
	ID                  uint   `gorm:"primaryKey"`
	VehicleKey          string `gorm:"not null;uniqueIndex"`
	State               string `gorm:"not null;default:'CLEAN'"`
	OrdinalAtTransition int    `gorm:"not null;default:0"`
	LastTransitionAt    time.Time
	TriggerRecordID     *uint
	CountedSince        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (VehicleStateModel) TableName() string { return "vehicle_states" }

type EffectModel struct {
	ID               uint   `gorm:"primaryKey"`
	Type             string `gorm:"not null"`
	VehicleKey       string `gorm:"not null;index"`
	RecordID         string `gorm:"not null"`
	TargetEmployeeID uint   `gorm:"not null"`
	DeliveredAt      *time.Time `gorm:"index"`
	Attempts         int        `gorm:"not null;default:0"`
	LastError        string
	CreatedAt        time.Time
}

func (EffectModel) TableName() string { return "effect_outbox" }

type EmployeeModel struct {
	ID           uint   `gorm:"primaryKey"`
	BadgeNumber  string `gorm:"not null;uniqueIndex"`
	FullName     string `gorm:"not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (EmployeeModel) TableName() string { return "employees" }

type APITokenModel struct {
	ID         uint   `gorm:"primaryKey"`
	EmployeeID uint   `gorm:"not null;index"`
	Name       string `gorm:"not null"`
	TokenHash  string `gorm:"not null;uniqueIndex"`
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

func (APITokenModel) TableName() string { return "api_tokens" }

type RoleModel struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"not null;uniqueIndex"`
	Name      string `gorm:"not null"`
	CreatedAt time.Time
}

func (RoleModel) TableName() string { return "roles" }

type PermissionModel struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
}

func (PermissionModel) TableName() string { return "permissions" }

type EmployeeRoleModel struct {
	ID         uint `gorm:"primaryKey"`
	EmployeeID uint `gorm:"not null;index:idx_employee_role,unique"`
	RoleID     uint `gorm:"not null;index:idx_employee_role,unique"`
	CreatedAt  time.Time
}

func (EmployeeRoleModel) TableName() string { return "employee_roles" }

type RolePermissionModel struct {
	ID           uint `gorm:"primaryKey"`
	RoleID       uint `gorm:"not null;index:idx_role_perm,unique"`
	PermissionID uint `gorm:"not null;index:idx_role_perm,unique"`
	CreatedAt    time.Time
}

func (RolePermissionModel) TableName() string { return "role_permissions" }

type AuditLogModel struct {
	ID              uint `gorm:"primaryKey"`
	ActorEmployeeID *uint
	Action          string `gorm:"not null;index"`
	TargetType      string `gorm:"not null;index"`
	TargetKey       string
	Metadata        string
	CreatedAt       time.Time
}

func (AuditLogModel) TableName() string { return "audit_logs" }
