package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camposec/vigil/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// Permission keys. The admin role carries the wildcard.
const (
	PermReport = "infractions.report"
	PermRead   = "infractions.read"
	PermAdmin  = "admin"
	PermAll    = "*"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// BootstrapAdmin seeds the role and permission catalog and, on an empty
// employee table, the initial administrator account from configuration.
func (s *Service) BootstrapAdmin(ctx context.Context, badge, name, password string) error {
	guardRole, err := s.repo.CreateRoleIfMissing(ctx, "guard", "Security Guard")
	if err != nil {
		return err
	}
	adminRole, err := s.repo.CreateRoleIfMissing(ctx, "admin", "Administrator")
	if err != nil {
		return err
	}

	for _, key := range []string{PermReport, PermRead} {
		permID, err := s.repo.CreatePermissionIfMissing(ctx, key)
		if err != nil {
			return err
		}
		if err := s.repo.GrantPermissionToRole(ctx, guardRole, permID); err != nil {
			return err
		}
	}
	allID, err := s.repo.CreatePermissionIfMissing(ctx, PermAll)
	if err != nil {
		return err
	}
	if err := s.repo.GrantPermissionToRole(ctx, adminRole, allID); err != nil {
		return err
	}

	count, err := s.repo.CountEmployees(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	admin, err := s.repo.CreateEmployee(ctx, domain.Employee{
		BadgeNumber:  badge,
		FullName:     name,
		PasswordHash: hash,
	})
	if err != nil {
		return err
	}
	if err := s.repo.AssignRoleToEmployee(ctx, admin.ID, adminRole); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "bootstrapped administrator", "badge", badge)
	s.WriteAudit(ctx, nil, "employee.bootstrap", "employee", badge, "")
	return nil
}

// LoginWithAPIToken verifies badge credentials and mints a bearer token. The
// raw token is returned once; only its hash is stored.
func (s *Service) LoginWithAPIToken(ctx context.Context, badge, password, tokenName string, ttl time.Duration) (string, domain.Employee, error) {
	employee, err := s.repo.GetEmployeeByBadge(ctx, badge)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.Employee{}, ErrUnauthenticated
		}
		return "", domain.Employee{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(employee.PasswordHash), []byte(password)) != nil {
		return "", domain.Employee{}, ErrUnauthenticated
	}

	token, tokenHash, err := newTokenPair()
	if err != nil {
		return "", domain.Employee{}, err
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := s.now().Add(ttl)
		expiresAt = &t
	}
	_, err = s.repo.CreateAPIToken(ctx, domain.APIToken{
		EmployeeID: employee.ID,
		Name:       tokenName,
		TokenHash:  tokenHash,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return "", domain.Employee{}, err
	}

	s.WriteAudit(ctx, &employee.ID, "auth.login", "employee", employee.BadgeNumber, "")
	return token, employee, nil
}

// AuthenticateBearerToken resolves a raw bearer token to an identity with its
// permission set.
func (s *Service) AuthenticateBearerToken(ctx context.Context, token string) (domain.Identity, error) {
	apiToken, err := s.repo.GetAPITokenByTokenHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Identity{}, ErrUnauthenticated
		}
		return domain.Identity{}, err
	}
	if apiToken.ExpiresAt != nil && apiToken.ExpiresAt.Before(s.now()) {
		return domain.Identity{}, ErrUnauthenticated
	}

	employee, err := s.repo.GetEmployeeByID(ctx, apiToken.EmployeeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Identity{}, ErrUnauthenticated
		}
		return domain.Identity{}, err
	}

	keys, err := s.repo.GetPermissionsByEmployeeID(ctx, employee.ID)
	if err != nil {
		return domain.Identity{}, err
	}
	permissions := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		permissions[key] = struct{}{}
	}
	return domain.Identity{Employee: employee, Permissions: permissions}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.repo.DeleteAPITokenByTokenHash(ctx, hashToken(token))
}

// Can reports whether the identity holds the permission. The wildcard grants
// everything.
func Can(identity domain.Identity, permission string) bool {
	if _, ok := identity.Permissions[PermAll]; ok {
		return true
	}
	_, ok := identity.Permissions[permission]
	return ok
}

func (s *Service) CreateEmployee(ctx context.Context, actor domain.Identity, badge, name, password, roleKey string) (domain.Employee, error) {
	badge = strings.TrimSpace(badge)
	if badge == "" || strings.TrimSpace(name) == "" {
		return domain.Employee{}, fmt.Errorf("%w: badge and name are required", domain.ErrInvalidInput)
	}
	if len(password) < 8 {
		return domain.Employee{}, fmt.Errorf("%w: password must be at least 8 characters", domain.ErrInvalidInput)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return domain.Employee{}, err
	}
	employee, err := s.repo.CreateEmployee(ctx, domain.Employee{
		BadgeNumber:  badge,
		FullName:     name,
		PasswordHash: hash,
	})
	if err != nil {
		return domain.Employee{}, err
	}

	if strings.TrimSpace(roleKey) != "" {
		if err := s.assignRoleByKey(ctx, employee.ID, roleKey); err != nil {
			return domain.Employee{}, err
		}
	}

	s.WriteAudit(ctx, &actor.Employee.ID, "employee.create", "employee", badge, "")
	return employee, nil
}

func (s *Service) ListEmployees(ctx context.Context, query string, limit int) ([]domain.Employee, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListEmployees(ctx, query, limit)
}

func (s *Service) ListRoles(ctx context.Context) ([]domain.Role, error) {
	return s.repo.ListRoles(ctx)
}

func (s *Service) AssignRole(ctx context.Context, actor domain.Identity, badge, roleKey string) error {
	employee, err := s.repo.GetEmployeeByBadge(ctx, badge)
	if err != nil {
		return err
	}
	if err := s.assignRoleByKey(ctx, employee.ID, roleKey); err != nil {
		return err
	}
	s.WriteAudit(ctx, &actor.Employee.ID, "employee.assign_role", "employee", badge, roleKey)
	return nil
}

func (s *Service) assignRoleByKey(ctx context.Context, employeeID uint, roleKey string) error {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if role.Key == roleKey {
			return s.repo.AssignRoleToEmployee(ctx, employeeID, role.ID)
		}
	}
	return fmt.Errorf("%w: role %q", domain.ErrNotFound, roleKey)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// WriteAudit records an administrative action. Audit failures are logged and
// swallowed so they never fail the action itself.
func (s *Service) WriteAudit(ctx context.Context, actorID *uint, action, targetType, targetKey, metadata string) {
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ActorEmployeeID: actorID,
		Action:          action,
		TargetType:      targetType,
		TargetKey:       targetKey,
		Metadata:        metadata,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "action", action, "error", err)
	}
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func newTokenPair() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := hex.EncodeToString(raw)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
