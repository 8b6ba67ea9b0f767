package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

func doLogin(ctx context.Context, cfg cliConfig, badge, password, tokenName string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "auth.login", map[string]any{
			"badge":      badge,
			"password":   password,
			"token_name": tokenName,
		}, out)
	}
	client := newAPIClient(cfg.Server, "")
	var resp struct {
		Token    string `json:"token"`
		Employee struct {
			Badge string `json:"badge"`
			Name  string `json:"name"`
		} `json:"employee"`
	}
	err := client.request(ctx, http.MethodPost, "/api/auth/login", map[string]any{
		"badge":    badge,
		"password": password,
	}, &resp)
	if err != nil {
		return err
	}
	if target, ok := out.(*struct {
		Token string `json:"token"`
		Badge string `json:"badge"`
		Name  string `json:"name"`
	}); ok {
		target.Token = resp.Token
		target.Badge = resp.Employee.Badge
		target.Name = resp.Employee.Name
	}
	return nil
}

func doWhoAmI(ctx context.Context, cfg cliConfig, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "auth.whoami", map[string]any{"token": cfg.Token}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodGet, "/api/auth/whoami", nil, out)
}

func doLogout(ctx context.Context, cfg cliConfig) error {
	if cfg.Transport == "uds" {
		return nil
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func doReport(ctx context.Context, cfg cliConfig, in map[string]any, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		in["token"] = cfg.Token
		return client.call(ctx, "infractions.submit", in, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodPost, "/api/infractions", in, out)
}

func doVehicleStatus(ctx context.Context, cfg cliConfig, plate string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "vehicles.get", map[string]any{"token": cfg.Token, "plate": plate}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodGet, "/api/vehicles/"+url.PathEscape(plate), nil, out)
}

func doVehicleHistory(ctx context.Context, cfg cliConfig, plate string, limit int, out *[]historyRecord) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "vehicles.history", map[string]any{"token": cfg.Token, "plate": plate, "limit": limit}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	var resp struct {
		Records []historyRecord `json:"records"`
	}
	path := fmt.Sprintf("/api/vehicles/%s/history?limit=%d", url.PathEscape(plate), limit)
	if err := client.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	*out = resp.Records
	return nil
}

func doVoid(ctx context.Context, cfg cliConfig, recordID, reason string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "infractions.void", map[string]any{"token": cfg.Token, "record_id": recordID, "reason": reason}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodPost, "/api/infractions/void", map[string]any{"record_id": recordID, "reason": reason}, out)
}

func doAdminReset(ctx context.Context, cfg cliConfig, plate, reason string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "admin.reset", map[string]any{"token": cfg.Token, "plate": plate, "reason": reason}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodPost, "/api/admin/reset", map[string]any{"plate": plate, "reason": reason}, out)
}

func doAuditList(ctx context.Context, cfg cliConfig, limit int, out *[]auditEntry) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "audit.list", map[string]any{"token": cfg.Token, "limit": limit}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	var resp struct {
		Logs []auditEntry `json:"logs"`
	}
	path := fmt.Sprintf("/api/audit/logs?limit=%d", limit)
	if err := client.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	*out = resp.Logs
	return nil
}

func doEmployeeList(ctx context.Context, cfg cliConfig, q string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "access.employee.list", map[string]any{"token": cfg.Token, "q": q, "limit": 200}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	path := "/api/access/employees"
	if q != "" {
		path += "?q=" + url.QueryEscape(q)
	}
	var resp map[string]jsonRaw
	if err := client.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	return unmarshalField(resp, "employees", out)
}

func doEmployeeCreate(ctx context.Context, cfg cliConfig, badge, name, password, role string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "access.employee.create", map[string]any{
			"token": cfg.Token, "badge": badge, "name": name, "password": password, "role": role,
		}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodPost, "/api/access/employees", map[string]any{
		"badge": badge, "name": name, "password": password, "role": role,
	}, out)
}

func doRoleList(ctx context.Context, cfg cliConfig, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "access.role.list", map[string]any{"token": cfg.Token}, out)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	var resp map[string]jsonRaw
	if err := client.request(ctx, http.MethodGet, "/api/access/roles", nil, &resp); err != nil {
		return err
	}
	return unmarshalField(resp, "roles", out)
}

func doRoleAssign(ctx context.Context, cfg cliConfig, badge, role string) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "access.role.assign", map[string]any{"token": cfg.Token, "badge": badge, "role": role}, nil)
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodPost, "/api/access/assign-role", map[string]any{"badge": badge, "role": role}, nil)
}
