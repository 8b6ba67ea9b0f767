// Package rpcjson serves the engine over a unix domain socket speaking
// JSON-RPC 2.0, one JSON object per message. The socket is chmod 0600 so only
// the service account can reach it.
package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/camposec/vigil/internal/application"
	"github.com/camposec/vigil/internal/domain"
)

type Server struct {
	service  *application.Service
	listener net.Listener
	path     string
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func Start(path string, service *application.Service) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	s := &Server{service: service, listener: ln, path: path}
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(context.Background(), req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32600, Message: "invalid request"}, ID: req.ID}
	}

	switch req.Method {
	case "auth.login":
		return s.handleAuthLogin(ctx, req)
	case "auth.whoami":
		identity, rpcResp, ok := s.authz(ctx, req, "")
		if !ok {
			return rpcResp
		}
		permissions := make([]string, 0, len(identity.Permissions))
		for key := range identity.Permissions {
			permissions = append(permissions, key)
		}
		return result(req.ID, map[string]any{
			"badge":       identity.Employee.BadgeNumber,
			"name":        identity.Employee.FullName,
			"permissions": permissions,
		})
	case "infractions.submit":
		return s.handleSubmit(ctx, req)
	case "infractions.void":
		return s.handleVoid(ctx, req)
	case "vehicles.get":
		return s.handleVehicleGet(ctx, req)
	case "vehicles.history":
		return s.handleVehicleHistory(ctx, req)
	case "admin.reset":
		return s.handleReset(ctx, req)
	case "audit.list":
		return s.handleAuditList(ctx, req)
	case "access.employee.list":
		return s.handleEmployeeList(ctx, req)
	case "access.employee.create":
		return s.handleEmployeeCreate(ctx, req)
	case "access.role.list":
		return s.handleRoleList(ctx, req)
	case "access.role.assign":
		return s.handleRoleAssign(ctx, req)
	default:
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32601, Message: "method not found"}, ID: req.ID}
	}
}

func (s *Server) handleAuthLogin(ctx context.Context, req request) response {
	var p struct {
		Badge     string `json:"badge"`
		Password  string `json:"password"`
		TokenName string `json:"token_name"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	token, employee, err := s.service.LoginWithAPIToken(ctx, p.Badge, p.Password, p.TokenName, 24*time.Hour)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: 40100, Message: "invalid credentials"}, ID: req.ID}
	}
	return result(req.ID, map[string]any{
		"token": token,
		"badge": employee.BadgeNumber,
		"name":  employee.FullName,
	})
}

func (s *Server) handleSubmit(ctx context.Context, req request) response {
	identity, rpcResp, ok := s.authz(ctx, req, application.PermReport)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token      string  `json:"token"`
		Plate      string  `json:"plate"`
		Confidence float64 `json:"confidence"`
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		ObservedAt string  `json:"observed_at"`
		Note       string  `json:"note"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	observedAt, err := time.Parse(time.RFC3339, p.ObservedAt)
	if err != nil {
		return invalidParams(req.ID)
	}
	submitted, err := s.service.SubmitInfraction(ctx, application.SubmitInput{
		RawPlate:   p.Plate,
		Confidence: p.Confidence,
		EmployeeID: identity.Employee.ID,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		ObservedAt: observedAt,
		Note:       p.Note,
	})
	if err != nil {
		return serviceError(req.ID, err)
	}
	return result(req.ID, map[string]any{
		"record_id": submitted.Record.PublicID,
		"vehicle":   submitted.Record.VehicleKey,
		"state":     string(submitted.State),
		"ordinal":   submitted.Ordinal,
		"duplicate": submitted.Duplicate,
	})
}

func (s *Server) handleVoid(ctx context.Context, req request) response {
	identity, rpcResp, ok := s.authz(ctx, req, application.PermAdmin)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token    string `json:"token"`
		RecordID string `json:"record_id"`
		Reason   string `json:"reason"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	void, err := s.service.VoidInfraction(ctx, identity, p.RecordID, p.Reason)
	if err != nil {
		return serviceError(req.ID, err)
	}
	return result(req.ID, map[string]any{
		"record_id":  void.PublicID,
		"vehicle":    void.VehicleKey,
		"supersedes": p.RecordID,
	})
}

func (s *Server) handleVehicleGet(ctx context.Context, req request) response {
	_, rpcResp, ok := s.authz(ctx, req, application.PermRead)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token string `json:"token"`
		Plate string `json:"plate"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	status, err := s.service.VehicleStatus(ctx, p.Plate)
	if err != nil {
		return serviceError(req.ID, err)
	}
	return result(req.ID, map[string]any{
		"vehicle":            status.VehicleKey,
		"state":              string(status.State),
		"qualifying_count":   status.QualifyingCount,
		"total_records":      status.TotalRecords,
		"last_transition_at": status.LastTransitionAt,
	})
}

func (s *Server) handleVehicleHistory(ctx context.Context, req request) response {
	_, rpcResp, ok := s.authz(ctx, req, application.PermRead)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token string `json:"token"`
		Plate string `json:"plate"`
		Limit int    `json:"limit"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	records, err := s.service.History(ctx, p.Plate, p.Limit)
	if err != nil {
		return serviceError(req.ID, err)
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		item := map[string]any{
			"record_id":   record.PublicID,
			"vehicle":     record.VehicleKey,
			"employee_id": record.EmployeeID,
			"kind":        record.Kind,
			"observed_at": record.ObservedAt,
			"recorded_at": record.RecordedAt,
		}
		if record.Note != "" {
			item["note"] = record.Note
		}
		items = append(items, item)
	}
	return result(req.ID, items)
}

func (s *Server) handleReset(ctx context.Context, req request) response {
	identity, rpcResp, ok := s.authz(ctx, req, application.PermAdmin)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token  string `json:"token"`
		Plate  string `json:"plate"`
		Reason string `json:"reason"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	state, err := s.service.ResetVehicle(ctx, identity, p.Plate, p.Reason)
	if err != nil {
		return serviceError(req.ID, err)
	}
	return result(req.ID, map[string]any{
		"vehicle": state.VehicleKey,
		"state":   string(state.State),
	})
}

func (s *Server) handleAuditList(ctx context.Context, req request) response {
	_, rpcResp, ok := s.authz(ctx, req, application.PermAdmin)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token string `json:"token"`
		Limit int    `json:"limit"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	logs, err := s.service.ListAuditLogs(ctx, p.Limit)
	if err != nil {
		return serviceError(req.ID, err)
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
	return result(req.ID, items)
}

func (s *Server) handleEmployeeList(ctx context.Context, req request) response {
	_, rpcResp, ok := s.authz(ctx, req, application.PermAdmin)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token string `json:"token"`
		Q     string `json:"q"`
		Limit int    `json:"limit"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	employees, err := s.service.ListEmployees(ctx, p.Q, p.Limit)
	if err != nil {
		return serviceError(req.ID, err)
	}
	items := make([]map[string]any, 0, len(employees))
	for _, employee := range employees {
		items = append(items, map[string]any{
			"id":    employee.ID,
			"badge": employee.BadgeNumber,
			"name":  employee.FullName,
		})
	}
	return result(req.ID, items)
}

func (s *Server) handleEmployeeCreate(ctx context.Context, req request) response {
	identity, rpcResp, ok := s.authz(ctx, req, application.PermAdmin)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token    string `json:"token"`
		Badge    string `json:"badge"`
		Name     string `json:"name"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	employee, err := s.service.CreateEmployee(ctx, identity, p.Badge, p.Name, p.Password, p.Role)
	if err != nil {
		return serviceError(req.ID, err)
	}
	return result(req.ID, map[string]any{
		"id":    employee.ID,
		"badge": employee.BadgeNumber,
		"name":  employee.FullName,
	})
}

func (s *Server) handleRoleList(ctx context.Context, req request) response {
	_, rpcResp, ok := s.authz(ctx, req, application.PermAdmin)
	if !ok {
		return rpcResp
	}
	roles, err := s.service.ListRoles(ctx)
	if err != nil {
		return serviceError(req.ID, err)
	}
	items := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		items = append(items, map[string]any{"key": role.Key, "name": role.Name})
	}
	return result(req.ID, items)
}

func (s *Server) handleRoleAssign(ctx context.Context, req request) response {
	identity, rpcResp, ok := s.authz(ctx, req, application.PermAdmin)
	if !ok {
		return rpcResp
	}
	var p struct {
		Token string `json:"token"`
		Badge string `json:"badge"`
		Role  string `json:"role"`
	}
	if !decodeParams(req.Params, &p) {
		return invalidParams(req.ID)
	}
	if err := s.service.AssignRole(ctx, identity, p.Badge, p.Role); err != nil {
		return serviceError(req.ID, err)
	}
	return result(req.ID, map[string]any{"ok": true})
}

func (s *Server) authz(ctx context.Context, req request, permission string) (domain.Identity, response, bool) {
	var p struct {
		Token string `json:"token"`
	}
	if !decodeParams(req.Params, &p) {
		return domain.Identity{}, invalidParams(req.ID), false
	}
	identity, err := s.service.AuthenticateBearerToken(ctx, p.Token)
	if err != nil {
		return domain.Identity{}, response{JSONRPC: "2.0", Error: &rpcError{Code: 40100, Message: "unauthorized"}, ID: req.ID}, false
	}
	if permission != "" && !application.Can(identity, permission) {
		return domain.Identity{}, response{JSONRPC: "2.0", Error: &rpcError{Code: 40300, Message: "forbidden"}, ID: req.ID}, false
	}
	return identity, response{}, true
}

func decodeParams(raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func result(id any, payload any) response {
	return response{JSONRPC: "2.0", Result: payload, ID: id}
}

func invalidParams(id any) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: -32602, Message: "invalid params"}, ID: id}
}

// serviceError maps the submission error taxonomy onto JSON-RPC error codes.
func serviceError(id any, err error) response {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: 40000, Message: err.Error()}, ID: id}
	case errors.Is(err, domain.ErrNotFound):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: 40400, Message: err.Error()}, ID: id}
	case errors.Is(err, domain.ErrBusy):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: 40900, Message: err.Error()}, ID: id}
	case errors.Is(err, domain.ErrStateDrift):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: 40901, Message: err.Error()}, ID: id}
	case errors.Is(err, domain.ErrStorageUnavailable):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: 50300, Message: err.Error()}, ID: id}
	default:
		return response{JSONRPC: "2.0", Error: &rpcError{Code: 50000, Message: fmt.Sprintf("internal error: %v", err)}, ID: id}
	}
}
