package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/camposec/vigil/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// Repository implements domain.Repository on SQLite. Ledger writes only ever
// insert; the single UPDATE surface is the per-vehicle state row and the
// outbox delivery markers.
type Repository struct {
	db *gorm.DB
}

func Open(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AppendInfraction(ctx context.Context, value domain.InfractionRecord) (domain.InfractionRecord, error) {
	m := InfractionModel{
		PublicID:     value.PublicID,
		VehicleKey:   value.VehicleKey,
		EmployeeID:   value.EmployeeID,
		Latitude:     value.Latitude,
		Longitude:    value.Longitude,
		ObservedAt:   value.ObservedAt,
		Confidence:   value.Confidence,
		Kind:         defaultString(value.Kind, domain.RecordKindReport),
		SupersedesID: value.SupersedesID,
		Note:         value.Note,
		RecordedAt:   value.RecordedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.InfractionRecord{}, err
	}
	return infractionToDomain(m), nil
}

func (r *Repository) FindDuplicate(ctx context.Context, vehicleKey string, employeeID uint, observedAt time.Time, window time.Duration) (*domain.InfractionRecord, error) {
	var m InfractionModel
	err := r.db.WithContext(ctx).
		Where("vehicle_key = ? AND employee_id = ? AND kind = ?", vehicleKey, employeeID, domain.RecordKindReport).
		Where("observed_at >= ? AND observed_at <= ?", observedAt.Add(-window), observedAt.Add(window)).
		Order("recorded_at ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	record := infractionToDomain(m)
	return &record, nil
}

func (r *Repository) History(ctx context.Context, vehicleKey string, since *time.Time, limit int) ([]domain.InfractionRecord, error) {
	q := r.db.WithContext(ctx).Model(&InfractionModel{}).Where("vehicle_key = ?", vehicleKey)
	if since != nil {
		q = q.Where("recorded_at > ?", *since)
	}
	rows := make([]InfractionModel, 0)
	if err := q.Order("recorded_at ASC, id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.InfractionRecord, 0, len(rows))
	for _, m := range rows {
		result = append(result, infractionToDomain(m))
	}
	return result, nil
}

func (r *Repository) GetInfractionByPublicID(ctx context.Context, publicID string) (domain.InfractionRecord, error) {
	var m InfractionModel
	if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.InfractionRecord{}, domain.ErrNotFound
		}
		return domain.InfractionRecord{}, err
	}
	return infractionToDomain(m), nil
}

func (r *Repository) LastRecordedAt(ctx context.Context, vehicleKey string) (*time.Time, error) {
	var m InfractionModel
	err := r.db.WithContext(ctx).
		Where("vehicle_key = ?", vehicleKey).
		Order("recorded_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t := m.RecordedAt
	return &t, nil
}

// CountQualifying counts report records inside [windowStart, asOf] that have
// not been superseded by a later correcting record.
func (r *Repository) CountQualifying(ctx context.Context, vehicleKey string, windowStart, asOf time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(`
SELECT COUNT(*)
FROM infractions i
WHERE i.vehicle_key = ?
  AND i.kind = ?
  AND i.recorded_at >= ?
  AND i.recorded_at <= ?
  AND NOT EXISTS (
      SELECT 1 FROM infractions s WHERE s.supersedes_id = i.id
  )
`, vehicleKey, domain.RecordKindReport, windowStart, asOf).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *Repository) CountRecords(ctx context.Context, vehicleKey string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&InfractionModel{}).Where("vehicle_key = ?", vehicleKey).Count(&count).Error
	return int(count), err
}

func (r *Repository) ListVehicleKeys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := r.db.WithContext(ctx).Model(&InfractionModel{}).Distinct("vehicle_key").Order("vehicle_key ASC").Pluck("vehicle_key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *Repository) GetSanctionState(ctx context.Context, vehicleKey string) (domain.VehicleSanctionState, error) {
	var m VehicleStateModel
	if err := r.db.WithContext(ctx).Where("vehicle_key = ?", vehicleKey).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.VehicleSanctionState{}, domain.ErrNotFound
		}
		return domain.VehicleSanctionState{}, err
	}
	return stateToDomain(m), nil
}

// SaveTransition persists a state change and its effect instructions in one
// transaction so a transition is never observed without its queued effects.
// Either argument may be empty: a reset writes only the state, a re-emitted
// BLOCK on an already-blocked vehicle writes only effects.
func (r *Repository) SaveTransition(ctx context.Context, state *domain.VehicleSanctionState, effects []domain.EffectInstruction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if state != nil {
			m := VehicleStateModel{
				VehicleKey:          state.VehicleKey,
				State:               string(state.State),
				OrdinalAtTransition: state.OrdinalAtTransition,
				LastTransitionAt:    state.LastTransitionAt,
				TriggerRecordID:     state.TriggerRecordID,
				CountedSince:        state.CountedSince,
			}
			err := tx.Where("vehicle_key = ?", state.VehicleKey).
				Assign(map[string]any{
					"state":                 m.State,
					"ordinal_at_transition": m.OrdinalAtTransition,
					"last_transition_at":    m.LastTransitionAt,
					"trigger_record_id":     m.TriggerRecordID,
					"counted_since":         m.CountedSince,
				}).
				FirstOrCreate(&m).Error
			if err != nil {
				return err
			}
		}
		for _, effect := range effects {
			e := EffectModel{
				Type:             string(effect.Type),
				VehicleKey:       effect.VehicleKey,
				RecordID:         effect.RecordID,
				TargetEmployeeID: effect.TargetEmployeeID,
			}
			if err := tx.Create(&e).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) PendingEffects(ctx context.Context, limit int) ([]domain.EffectInstruction, error) {
	rows := make([]EffectModel, 0)
	err := r.db.WithContext(ctx).
		Where("delivered_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.EffectInstruction, 0, len(rows))
	for _, m := range rows {
		result = append(result, effectToDomain(m))
	}
	return result, nil
}

func (r *Repository) MarkEffectDelivered(ctx context.Context, id uint) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&EffectModel{}).Where("id = ?", id).
		Updates(map[string]any{"delivered_at": now, "attempts": gorm.Expr("attempts + 1"), "last_error": ""}).Error
}

func (r *Repository) MarkEffectFailed(ctx context.Context, id uint, message string) error {
	return r.db.WithContext(ctx).Model(&EffectModel{}).Where("id = ?", id).
		Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": message}).Error
}

func (r *Repository) CreateEmployee(ctx context.Context, value domain.Employee) (domain.Employee, error) {
	m := EmployeeModel{
		BadgeNumber:  strings.TrimSpace(value.BadgeNumber),
		FullName:     strings.TrimSpace(value.FullName),
		PasswordHash: value.PasswordHash,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Employee{}, err
	}
	return employeeToDomain(m), nil
}

func (r *Repository) CountEmployees(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&EmployeeModel{}).Count(&count).Error
	return count, err
}

func (r *Repository) GetEmployeeByBadge(ctx context.Context, badge string) (domain.Employee, error) {
	var m EmployeeModel
	if err := r.db.WithContext(ctx).Where("badge_number = ?", strings.TrimSpace(badge)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Employee{}, domain.ErrNotFound
		}
		return domain.Employee{}, err
	}
	return employeeToDomain(m), nil
}

func (r *Repository) GetEmployeeByID(ctx context.Context, id uint) (domain.Employee, error) {
	var m EmployeeModel
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Employee{}, domain.ErrNotFound
		}
		return domain.Employee{}, err
	}
	return employeeToDomain(m), nil
}

func (r *Repository) ListEmployees(ctx context.Context, query string, limit int) ([]domain.Employee, error) {
	q := r.db.WithContext(ctx).Model(&EmployeeModel{})
	if strings.TrimSpace(query) != "" {
		like := "%" + strings.TrimSpace(query) + "%"
		q = q.Where("badge_number LIKE ? OR full_name LIKE ?", like, like)
	}
	rows := make([]EmployeeModel, 0)
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Employee, 0, len(rows))
	for _, m := range rows {
		result = append(result, employeeToDomain(m))
	}
	return result, nil
}

func (r *Repository) CreateAPIToken(ctx context.Context, value domain.APIToken) (domain.APIToken, error) {
	m := APITokenModel{EmployeeID: value.EmployeeID, Name: value.Name, TokenHash: value.TokenHash, ExpiresAt: value.ExpiresAt}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.APIToken{}, err
	}
	return domain.APIToken{ID: m.ID, EmployeeID: m.EmployeeID, Name: m.Name, TokenHash: m.TokenHash, ExpiresAt: m.ExpiresAt, CreatedAt: m.CreatedAt}, nil
}

func (r *Repository) GetAPITokenByTokenHash(ctx context.Context, tokenHash string) (domain.APIToken, error) {
	var m APITokenModel
	if err := r.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.APIToken{}, domain.ErrNotFound
		}
		return domain.APIToken{}, err
	}
	return domain.APIToken{ID: m.ID, EmployeeID: m.EmployeeID, Name: m.Name, TokenHash: m.TokenHash, ExpiresAt: m.ExpiresAt, CreatedAt: m.CreatedAt}, nil
}

func (r *Repository) DeleteAPITokenByTokenHash(ctx context.Context, tokenHash string) error {
	return r.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Delete(&APITokenModel{}).Error
}

func (r *Repository) CreateRoleIfMissing(ctx context.Context, key, name string) (uint, error) {
	m := RoleModel{Key: key, Name: name}
	if err := r.db.WithContext(ctx).Where("key = ?", key).FirstOrCreate(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (r *Repository) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows := make([]RoleModel, 0)
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Role, 0, len(rows))
	for _, m := range rows {
		result = append(result, domain.Role{ID: m.ID, Key: m.Key, Name: m.Name, CreatedAt: m.CreatedAt})
	}
	return result, nil
}

func (r *Repository) CreatePermissionIfMissing(ctx context.Context, key string) (uint, error) {
	m := PermissionModel{Key: key}
	if err := r.db.WithContext(ctx).Where("key = ?", key).FirstOrCreate(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (r *Repository) GrantPermissionToRole(ctx context.Context, roleID, permissionID uint) error {
	m := RolePermissionModel{RoleID: roleID, PermissionID: permissionID}
	return r.db.WithContext(ctx).Where("role_id = ? AND permission_id = ?", roleID, permissionID).FirstOrCreate(&m).Error
}

func (r *Repository) AssignRoleToEmployee(ctx context.Context, employeeID, roleID uint) error {
	m := EmployeeRoleModel{EmployeeID: employeeID, RoleID: roleID}
	return r.db.WithContext(ctx).Where("employee_id = ? AND role_id = ?", employeeID, roleID).FirstOrCreate(&m).Error
}

func (r *Repository) GetPermissionsByEmployeeID(ctx context.Context, employeeID uint) ([]string, error) {
	type row struct{ Key string }
	rows := make([]row, 0)
	err := r.db.WithContext(ctx).Raw(`
SELECT p.key
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
JOIN employee_roles er ON er.role_id = rp.role_id
WHERE er.employee_id = ?
`, employeeID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.Key)
	}
	return result, nil
}

func (r *Repository) CreateAuditLog(ctx context.Context, value domain.AuditLog) error {
	m := AuditLogModel{
		ActorEmployeeID: value.ActorEmployeeID,
		Action:          value.Action,
		TargetType:      value.TargetType,
		TargetKey:       value.TargetKey,
		Metadata:        value.Metadata,
	}
	return r.db.WithContext(ctx).Create(&m).Error
}

func (r *Repository) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	type row struct {
		ID              uint
		ActorEmployeeID *uint
		ActorBadge      string
		Action          string
		TargetType      string
		TargetKey       string
		Metadata        string
		CreatedAt       time.Time
	}
	rows := make([]row, 0)
	err := r.db.WithContext(ctx).Raw(`
SELECT a.id,
       a.actor_employee_id,
       COALESCE(e.badge_number, '') AS actor_badge,
       a.action,
       a.target_type,
       a.target_key,
       a.metadata,
       a.created_at
FROM audit_logs a
LEFT JOIN employees e ON e.id = a.actor_employee_id
ORDER BY a.id DESC
LIMIT ?
`, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.AuditRecord, 0, len(rows))
	for _, m := range rows {
		result = append(result, domain.AuditRecord{
			ID:              m.ID,
			ActorEmployeeID: m.ActorEmployeeID,
			ActorBadge:      m.ActorBadge,
			Action:          m.Action,
			TargetType:      m.TargetType,
			TargetKey:       m.TargetKey,
			Metadata:        m.Metadata,
			CreatedAt:       m.CreatedAt,
		})
	}
	return result, nil
}

func employeeToDomain(m EmployeeModel) domain.Employee {
	return domain.Employee{
		ID:           m.ID,
		BadgeNumber:  m.BadgeNumber,
		FullName:     m.FullName,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func infractionToDomain(m InfractionModel) domain.InfractionRecord {
	return domain.InfractionRecord{
		ID:           m.ID,
		PublicID:     m.PublicID,
		VehicleKey:   m.VehicleKey,
		EmployeeID:   m.EmployeeID,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
		ObservedAt:   m.ObservedAt,
		Confidence:   m.Confidence,
		Kind:         m.Kind,
		SupersedesID: m.SupersedesID,
		Note:         m.Note,
		RecordedAt:   m.RecordedAt,
	}
}

func stateToDomain(m VehicleStateModel) domain.VehicleSanctionState {
	return domain.VehicleSanctionState{
		VehicleKey:          m.VehicleKey,
		State:               domain.SanctionState(m.State),
		OrdinalAtTransition: m.OrdinalAtTransition,
		LastTransitionAt:    m.LastTransitionAt,
		TriggerRecordID:     m.TriggerRecordID,
		CountedSince:        m.CountedSince,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func effectToDomain(m EffectModel) domain.EffectInstruction {
	return domain.EffectInstruction{
		ID:               m.ID,
		Type:             domain.EffectType(m.Type),
		VehicleKey:       m.VehicleKey,
		RecordID:         m.RecordID,
		TargetEmployeeID: m.TargetEmployeeID,
		CreatedAt:        m.CreatedAt,
		DeliveredAt:      m.DeliveredAt,
		Attempts:         m.Attempts,
		LastError:        m.LastError,
	}
}

func defaultString(input, fallback string) string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	return input
}
