package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camposec/vigil/internal/application"
	"github.com/camposec/vigil/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const identityKey contextKey = "identity"

type Server struct {
	service *application.Service
	logger  *slog.Logger
}

func NewServer(service *application.Service, logger *slog.Logger) *Server {
	return &Server{service: service, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth(""))
			r.Get("/auth/whoami", s.handleWhoami)
			r.Post("/auth/logout", s.handleLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth(application.PermReport))
			r.Post("/infractions", s.handleSubmitInfraction)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth(application.PermRead))
			r.Get("/vehicles/{key}", s.handleVehicleStatus)
			r.Get("/vehicles/{key}/history", s.handleVehicleHistory)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth(application.PermAdmin))
			r.Post("/infractions/void", s.handleVoidInfraction)
			r.Post("/admin/reset", s.handleResetVehicle)
			r.Get("/audit/logs", s.handleListAuditLogs)
			r.Get("/access/employees", s.handleListEmployees)
			r.Post("/access/employees", s.handleCreateEmployee)
			r.Get("/access/roles", s.handleListRoles)
			r.Post("/access/assign-role", s.handleAssignRole)
		})
	})

	return r
}

// requireAuth authenticates the bearer token and, when permission is not
// empty, enforces it. The resolved identity rides the request context.
func (s *Server) requireAuth(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			identity, err := s.service.AuthenticateBearerToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, application.ErrUnauthenticated) {
					writeError(w, http.StatusUnauthorized, "invalid or expired token")
					return
				}
				s.writeServiceError(w, r, err)
				return
			}
			if permission != "" && !application.Can(identity, permission) {
				writeError(w, http.StatusForbidden, "permission denied")
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFrom(r *http.Request) domain.Identity {
	identity, _ := r.Context().Value(identityKey).(domain.Identity)
	return identity
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

type apiLoginRequest struct {
	Badge    string `json:"badge"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req apiLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, employee, err := s.service.LoginWithAPIToken(r.Context(), req.Badge, req.Password, "api", 24*time.Hour)
	if err != nil {
		if errors.Is(err, application.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"employee": map[string]any{
			"badge": employee.BadgeNumber,
			"name":  employee.FullName,
		},
	})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	permissions := make([]string, 0, len(identity.Permissions))
	for key := range identity.Permissions {
		permissions = append(permissions, key)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"badge":       identity.Employee.BadgeNumber,
		"name":        identity.Employee.FullName,
		"permissions": permissions,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), bearerToken(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type apiInfractionRequest struct {
	Plate      string  `json:"plate"`
	Confidence float64 `json:"confidence"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ObservedAt string  `json:"observed_at"`
	Note       string  `json:"note,omitempty"`
}

func (s *Server) handleSubmitInfraction(w http.ResponseWriter, r *http.Request) {
	var req apiInfractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	observedAt, err := time.Parse(time.RFC3339, req.ObservedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "observed_at must be RFC 3339")
		return
	}

	identity := identityFrom(r)
	result, err := s.service.SubmitInfraction(r.Context(), application.SubmitInput{
		RawPlate:   req.Plate,
		Confidence: req.Confidence,
		EmployeeID: identity.Employee.ID,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		ObservedAt: observedAt,
		Note:       req.Note,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse(result))
}

func submitResponse(result application.SubmitResult) map[string]any {
	return map[string]any{
		"record_id": result.Record.PublicID,
		"vehicle":   result.Record.VehicleKey,
		"state":     string(result.State),
		"ordinal":   result.Ordinal,
		"duplicate": result.Duplicate,
	}
}

func (s *Server) handleVehicleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.VehicleStatus(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicle":            status.VehicleKey,
		"state":              string(status.State),
		"qualifying_count":   status.QualifyingCount,
		"total_records":      status.TotalRecords,
		"last_transition_at": status.LastTransitionAt,
	})
}

func (s *Server) handleVehicleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.service.History(r.Context(), chi.URLParam(r, "key"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, recordResponse(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": items})
}

func recordResponse(record domain.InfractionRecord) map[string]any {
	item := map[string]any{
		"record_id":   record.PublicID,
		"vehicle":     record.VehicleKey,
		"employee_id": record.EmployeeID,
		"kind":        record.Kind,
		"observed_at": record.ObservedAt,
		"recorded_at": record.RecordedAt,
	}
	if record.Confidence != nil {
		item["confidence"] = *record.Confidence
	}
	if record.Note != "" {
		item["note"] = record.Note
	}
	return item
}

type apiVoidRequest struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleVoidInfraction(w http.ResponseWriter, r *http.Request) {
	var req apiVoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	void, err := s.service.VoidInfraction(r.Context(), identityFrom(r), req.RecordID, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id":  void.PublicID,
		"vehicle":    void.VehicleKey,
		"supersedes": req.RecordID,
	})
}

type apiResetRequest struct {
	Plate  string `json:"plate"`
	Reason string `json:"reason"`
}

func (s *Server) handleResetVehicle(w http.ResponseWriter, r *http.Request) {
	var req apiResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	state, err := s.service.ResetVehicle(r.Context(), identityFrom(r), req.Plate, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicle": state.VehicleKey,
		"state":   string(state.State),
	})
}

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(logs))
	for _, entry := range logs {
		items = append(items, map[string]any{
			"id":          entry.ID,
			"actor":       entry.ActorBadge,
			"action":      entry.Action,
			"target_type": entry.TargetType,
			"target_key":  entry.TargetKey,
			"metadata":    entry.Metadata,
			"created_at":  entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": items})
}

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	employees, err := s.service.ListEmployees(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(employees))
	for _, employee := range employees {
		items = append(items, map[string]any{
			"id":    employee.ID,
			"badge": employee.BadgeNumber,
			"name":  employee.FullName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"employees": items})
}

type apiEmployeeRequest struct {
	Badge    string `json:"badge"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req apiEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	employee, err := s.service.CreateEmployee(r.Context(), identityFrom(r), req.Badge, req.Name, req.Password, req.Role)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    employee.ID,
		"badge": employee.BadgeNumber,
		"name":  employee.FullName,
	})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.service.ListRoles(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		items = append(items, map[string]any{"key": role.Key, "name": role.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": items})
}

type apiAssignRoleRequest struct {
	Badge string `json:"badge"`
	Role  string `json:"role"`
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req apiAssignRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.service.AssignRole(r.Context(), identityFrom(r), req.Badge, req.Role); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// writeServiceError maps the submission error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStateDrift):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
