package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sqliteadapter "github.com/camposec/vigil/internal/adapters/db/sqlite"
	httpadapter "github.com/camposec/vigil/internal/adapters/http"
	rpcadapter "github.com/camposec/vigil/internal/adapters/rpcjson"
	"github.com/camposec/vigil/internal/application"
	"github.com/camposec/vigil/internal/config"
	"github.com/camposec/vigil/internal/notify"
	"github.com/camposec/vigil/internal/plate"
	"github.com/urfave/cli/v3"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "vigil",
		Usage: "Campus violation escalation engine server and CLI",
		Commands: []*cli.Command{
			serverCommand(),
			authCommand(),
			reportCommand(),
			vehiclesCommand(),
			adminCommand(),
			accessCommand(),
			auditCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, "")
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the escalation engine server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML configuration file"},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address override"},
			&cli.StringFlag{Name: "rpc-socket", Usage: "JSON-RPC unix socket path override"},
			&cli.StringFlag{Name: "db-path", Usage: "SQLite database path override"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runServer(ctx, c.String("config"),
				serverOverride("addr", c.String("addr")),
				serverOverride("rpc-socket", c.String("rpc-socket")),
				serverOverride("db-path", c.String("db-path")))
		},
	}
}

type configOverride func(*config.Config)

func serverOverride(name, value string) configOverride {
	return func(cfg *config.Config) {
		if value == "" {
			return
		}
		switch name {
		case "addr":
			cfg.Server.Addr = value
		case "rpc-socket":
			cfg.Server.RPCSocket = value
		case "db-path":
			cfg.Server.DBPath = value
		}
	}
}

func runServer(ctx context.Context, configPath string, overrides ...configOverride) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	for _, override := range overrides {
		override(&cfg)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := sqliteadapter.Open(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	if err := sqliteadapter.RunMigrations(ctx, db); err != nil {
		return err
	}
	repo := sqliteadapter.NewRepository(db)

	normalizer, err := plate.New(plate.Config{
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
		Pattern:             cfg.Engine.PlatePattern,
		Substitutions:       cfg.Engine.OCRSubstitutions,
	})
	if err != nil {
		return err
	}

	service := application.NewService(repo, normalizer, cfg.Engine, logger)
	if err := service.BootstrapAdmin(ctx, cfg.Bootstrap.AdminBadge, cfg.Bootstrap.AdminName, cfg.Bootstrap.AdminPassword); err != nil {
		return err
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	worker := application.NewWorker(service, notify.NewLogSink(logger))
	go worker.Run(workerCtx)

	router := httpadapter.NewServer(service, logger).Router()
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	rpcSrv, err := rpcadapter.Start(cfg.Server.RPCSocket, service)
	if err != nil {
		return err
	}
	defer func() {
		_ = rpcSrv.Close()
	}()
	logger.Info("json-rpc listening", "socket", cfg.Server.RPCSocket)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate against the server",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Log in with badge credentials and store a token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "badge", Required: true},
					&cli.StringFlag{Name: "password", Required: true},
					&cli.StringFlag{Name: "token-name", Value: "cli"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						Token string `json:"token"`
						Badge string `json:"badge"`
						Name  string `json:"name"`
					}
					if err := doLogin(ctx, cfg, c.String("badge"), c.String("password"), c.String("token-name"), &out); err != nil {
						return err
					}
					cfg.Token = out.Token
					if err := saveConfig(cfg); err != nil {
						return err
					}
					fmt.Printf("logged in as %s (%s)\n", out.Name, out.Badge)
					return nil
				},
			},
			{
				Name:  "whoami",
				Usage: "Show the authenticated employee",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						Badge       string   `json:"badge"`
						Name        string   `json:"name"`
						Permissions []string `json:"permissions"`
					}
					if err := doWhoAmI(ctx, cfg, &out); err != nil {
						return err
					}
					printKV([][2]string{
						{"badge", out.Badge},
						{"name", out.Name},
						{"permissions", fmt.Sprintf("%v", out.Permissions)},
					})
					return nil
				},
			},
			{
				Name:  "logout",
				Usage: "Revoke the stored token",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if err := doLogout(ctx, cfg); err != nil {
						return err
					}
					cfg.Token = ""
					return saveConfig(cfg)
				},
			},
		},
	}
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Report a vehicular infraction",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "plate", Required: true, Usage: "raw plate read"},
			&cli.FloatFlag{Name: "confidence", Value: 1.0, Usage: "OCR confidence [0,1]"},
			&cli.FloatFlag{Name: "lat", Required: true},
			&cli.FloatFlag{Name: "lon", Required: true},
			&cli.StringFlag{Name: "observed-at", Usage: "RFC 3339 observation time, defaults to now"},
			&cli.StringFlag{Name: "note"},
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			observedAt := c.String("observed-at")
			if observedAt == "" {
				observedAt = time.Now().UTC().Format(time.RFC3339)
			}
			var out struct {
				RecordID  string `json:"record_id"`
				Vehicle   string `json:"vehicle"`
				State     string `json:"state"`
				Ordinal   int    `json:"ordinal"`
				Duplicate bool   `json:"duplicate"`
			}
			err = doReport(ctx, cfg, map[string]any{
				"plate":       c.String("plate"),
				"confidence":  c.Float("confidence"),
				"latitude":    c.Float("lat"),
				"longitude":   c.Float("lon"),
				"observed_at": observedAt,
				"note":        c.String("note"),
			}, &out)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(out)
			}
			if out.Duplicate {
				fmt.Printf("duplicate read, original record %s\n", out.RecordID)
			}
			printKV([][2]string{
				{"record", out.RecordID},
				{"vehicle", out.Vehicle},
				{"state", out.State},
				{"offenses", fmt.Sprintf("%d", out.Ordinal)},
			})
			return nil
		},
	}
}

func vehiclesCommand() *cli.Command {
	return &cli.Command{
		Name:  "vehicles",
		Usage: "Query vehicle sanction status and ledger history",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show the sanction status of a plate",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "plate", Required: true},
					&cli.BoolFlag{Name: "json"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						Vehicle          string    `json:"vehicle"`
						State            string    `json:"state"`
						QualifyingCount  int       `json:"qualifying_count"`
						TotalRecords     int       `json:"total_records"`
						LastTransitionAt time.Time `json:"last_transition_at"`
					}
					if err := doVehicleStatus(ctx, cfg, c.String("plate"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printKV([][2]string{
						{"vehicle", out.Vehicle},
						{"state", out.State},
						{"qualifying offenses", fmt.Sprintf("%d", out.QualifyingCount)},
						{"total records", fmt.Sprintf("%d", out.TotalRecords)},
						{"last transition", formatTime(out.LastTransitionAt)},
					})
					return nil
				},
			},
			{
				Name:  "history",
				Usage: "List ledger records for a plate",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "plate", Required: true},
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.BoolFlag{Name: "json"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []historyRecord
					if err := doVehicleHistory(ctx, cfg, c.String("plate"), c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printHistory(out)
					return nil
				},
			},
		},
	}
}

func adminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Administrative escalation overrides",
		Commands: []*cli.Command{
			{
				Name:  "reset",
				Usage: "Reset a vehicle to CLEAN and restart its counting baseline",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "plate", Required: true},
					&cli.StringFlag{Name: "reason", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						Vehicle string `json:"vehicle"`
						State   string `json:"state"`
					}
					if err := doAdminReset(ctx, cfg, c.String("plate"), c.String("reason"), &out); err != nil {
						return err
					}
					fmt.Printf("%s reset to %s\n", out.Vehicle, out.State)
					return nil
				},
			},
			{
				Name:  "void",
				Usage: "Void a mistaken infraction record",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "record", Required: true, Usage: "record public id"},
					&cli.StringFlag{Name: "reason", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						RecordID   string `json:"record_id"`
						Vehicle    string `json:"vehicle"`
						Supersedes string `json:"supersedes"`
					}
					if err := doVoid(ctx, cfg, c.String("record"), c.String("reason"), &out); err != nil {
						return err
					}
					fmt.Printf("voided %s on %s with correction %s\n", out.Supersedes, out.Vehicle, out.RecordID)
					return nil
				},
			},
		},
	}
}

func accessCommand() *cli.Command {
	return &cli.Command{
		Name:  "access",
		Usage: "Manage employees and roles",
		Commands: []*cli.Command{
			{
				Name:  "employees",
				Usage: "List employees",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "q", Usage: "filter by badge or name"},
					&cli.BoolFlag{Name: "json"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []struct {
						ID    uint   `json:"id"`
						Badge string `json:"badge"`
						Name  string `json:"name"`
					}
					if err := doEmployeeList(ctx, cfg, c.String("q"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					rows := make([][]string, 0, len(out))
					for _, employee := range out {
						rows = append(rows, []string{fmt.Sprintf("%d", employee.ID), employee.Badge, employee.Name})
					}
					printTable([]string{"ID", "BADGE", "NAME"}, rows)
					return nil
				},
			},
			{
				Name:  "create-employee",
				Usage: "Create an employee account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "badge", Required: true},
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "password", Required: true},
					&cli.StringFlag{Name: "role", Value: "guard"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						Badge string `json:"badge"`
						Name  string `json:"name"`
					}
					err = doEmployeeCreate(ctx, cfg, c.String("badge"), c.String("name"), c.String("password"), c.String("role"), &out)
					if err != nil {
						return err
					}
					fmt.Printf("created %s (%s)\n", out.Name, out.Badge)
					return nil
				},
			},
			{
				Name:  "roles",
				Usage: "List roles",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []struct {
						Key  string `json:"key"`
						Name string `json:"name"`
					}
					if err := doRoleList(ctx, cfg, &out); err != nil {
						return err
					}
					rows := make([][]string, 0, len(out))
					for _, role := range out {
						rows = append(rows, []string{role.Key, role.Name})
					}
					printTable([]string{"KEY", "NAME"}, rows)
					return nil
				},
			},
			{
				Name:  "assign-role",
				Usage: "Assign a role to an employee",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "badge", Required: true},
					&cli.StringFlag{Name: "role", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					return doRoleAssign(ctx, cfg, c.String("badge"), c.String("role"))
				},
			},
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Inspect the administrative audit trail",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent audit entries",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.BoolFlag{Name: "json"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []auditEntry
					if err := doAuditList(ctx, cfg, c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printAuditEntries(out)
					return nil
				},
			},
		},
	}
}
