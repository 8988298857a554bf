// Package main provides an operator CLI for branch rollbacks.
// Usage: rollback run --ds orders --xid 10.0.0.7:7001:2001 --branch 42
//        rollback show --ds orders --xid 10.0.0.7:7001:2001 --branch 42
//        rollback import --ds orders --file entry.json
//        rollback token --subject tc-1 --ds orders
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"dtsrm/internal/core/apperror"
	"dtsrm/internal/core/datasource"
	"dtsrm/internal/core/xid"
	"dtsrm/internal/domain/auth"
	"dtsrm/internal/domain/rollback"
	"dtsrm/internal/domain/snapshot"
	"dtsrm/internal/infrastructure/storage/postgres"
	"dtsrm/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "run":
		runRollback(ctx)
	case "show":
		showPlan(ctx)
	case "import":
		importEntry(ctx)
	case "token":
		issueToken()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Branch Rollback CLI

Usage:
  rollback <command> [options]

Commands:
  run     Compensate a branch and delete its undo log
  show    Print the decoded undo log and the statements a rollback would run
  import  Insert an undo log entry from a JSON file
  token   Issue a coordinator token
  help    Show this help

Environment Variables:
  DATASOURCES             name=dsn pairs separated by ';' (required except for token)
  UNDO_LOG_TABLE          Undo log table (default txc_undo_log)
  STATEMENT_TIMEOUT       Per-statement timeout (default 30s)
  COORDINATOR_JWT_SECRET  Signing secret (required for token)
  LOG_LEVEL               Log level (default info)

Examples:
  rollback run --ds orders --xid 10.0.0.7:7001:2001 --branch 42
  rollback show --ds orders --xid 10.0.0.7:7001:2001 --branch 42
  rollback import --ds orders --file entry.json --compress-above 4096
  rollback token --subject tc-1 --ds orders --ds stock --ttl 24h`)
}

// parseFlags collects "--name value" pairs. Repeated flags keep every value.
func parseFlags(args []string) map[string][]string {
	flags := make(map[string][]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			flags[args[i][2:]] = append(flags[args[i][2:]], args[i+1])
			i++
		}
	}
	return flags
}

func flagValue(flags map[string][]string, name string) string {
	if v := flags[name]; len(v) > 0 {
		return v[len(v)-1]
	}
	return ""
}

func fail(format string, args ...any) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func branchFromFlags(flags map[string][]string) rollback.BranchContext {
	branchID, err := strconv.ParseInt(flagValue(flags, "branch"), 10, 64)
	if err != nil {
		fail("--branch must be an integer")
	}
	bc := rollback.BranchContext{
		DataSource: flagValue(flags, "ds"),
		XID:        flagValue(flags, "xid"),
		BranchID:   branchID,
	}
	if err := bc.Validate(); err != nil {
		fail("%v", err)
	}
	return bc
}

// env holds what every database command needs.
type env struct {
	manager   *datasource.Manager
	branches  *postgres.BranchResolver
	txOptions postgres.TxOptions
}

func setup() (*env, func()) {
	log, err := logger.New(logger.Config{Level: getEnv("LOG_LEVEL", "info"), Development: true})
	if err != nil {
		fail("initialize logger: %v", err)
	}

	raw := os.Getenv("DATASOURCES")
	if raw == "" {
		fail("DATASOURCES environment variable is required")
	}
	sources, err := datasource.ParseDataSources(raw)
	if err != nil {
		fail("%v", err)
	}
	registry, err := datasource.NewStaticRegistry(sources...)
	if err != nil {
		fail("%v", err)
	}

	cfg := datasource.DefaultManagerConfig()
	cfg.ApplicationName = "dtsrm-cli"
	cfg.PoolIdleTimeout = 0
	cfg.HealthCheckPeriod = 0
	manager := datasource.NewManager(cfg, registry, log)

	txOptions := postgres.DefaultTxOptions()
	if d, err := time.ParseDuration(getEnv("STATEMENT_TIMEOUT", "30s")); err == nil {
		txOptions.StatementTimeout = d
	}
	branches, err := postgres.NewBranchResolver(manager, getEnv("UNDO_LOG_TABLE", postgres.DefaultUndoLogTable), txOptions)
	if err != nil {
		manager.Close()
		fail("%v", err)
	}

	return &env{manager: manager, branches: branches, txOptions: txOptions}, func() {
		manager.Close()
		_ = log.Sync()
	}
}

func runRollback(ctx context.Context) {
	bc := branchFromFlags(parseFlags(os.Args[2:]))
	e, closeEnv := setup()
	defer closeEnv()

	svc := rollback.NewService(e.branches, nil)
	if err := svc.BranchRollback(ctx, bc); err != nil {
		printError(err)
		closeEnv()
		os.Exit(1)
	}
	fmt.Printf("Branch %d of %s rolled back on %s\n", bc.BranchID, bc.XID, bc.DataSource)
}

func showPlan(ctx context.Context) {
	bc := branchFromFlags(parseFlags(os.Args[2:]))
	e, closeEnv := setup()
	defer closeEnv()

	svc := rollback.NewService(e.branches, nil)
	plan, err := svc.Preview(ctx, bc)
	if err != nil {
		printError(err)
		closeEnv()
		os.Exit(1)
	}
	if plan == nil {
		fmt.Printf("No active undo log for branch %d of %s (global id %d)\n", bc.BranchID, bc.XID, bc.GlobalID())
		return
	}

	out, err := json.MarshalIndent(plan.Context, "", "  ")
	if err != nil {
		fail("encode undo log: %v", err)
	}
	fmt.Println(string(out))
	fmt.Printf("\n%d statement(s), in execution order:\n", len(plan.Statements))
	for i, stmt := range plan.Statements {
		fmt.Printf("%3d. %s\n", i+1, stmt.String())
	}
}

func importEntry(ctx context.Context) {
	flags := parseFlags(os.Args[2:])
	dsName, file := flagValue(flags, "ds"), flagValue(flags, "file")
	if dsName == "" || file == "" {
		fail("--ds and --file are required")
	}
	compressAbove := 4096
	if v := flagValue(flags, "compress-above"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail("--compress-above must be an integer")
		}
		compressAbove = n
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		fail("read %s: %v", file, err)
	}
	rc, err := snapshot.Decode(raw)
	if err != nil {
		fail("%v", err)
	}
	if _, err := xid.Parse(rc.XID); err != nil {
		fail("%v", err)
	}
	payload, err := snapshot.Encode(rc, compressAbove)
	if err != nil {
		fail("%v", err)
	}

	e, closeEnv := setup()
	defer closeEnv()

	mp, err := e.manager.GetPool(ctx, dsName)
	if err != nil {
		printError(err)
		closeEnv()
		os.Exit(1)
	}

	txm := postgres.NewTxManager(mp.Pool(), e.txOptions)
	repo, err := postgres.NewUndoLogRepo(txm, getEnv("UNDO_LOG_TABLE", postgres.DefaultUndoLogTable))
	if err != nil {
		fail("%v", err)
	}

	globalID := xid.GlobalID(rc.XID, rc.BranchID)
	err = txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return repo.Insert(ctx, rollback.UndoLogEntry{
			ID:           globalID,
			Status:       rollback.StatusNormal,
			RollbackInfo: payload,
		})
	})
	if err != nil {
		printError(err)
		closeEnv()
		os.Exit(1)
	}
	fmt.Printf("Imported undo log %d (%d changes, %d bytes) into %s\n", globalID, len(rc.Changes), len(payload), dsName)
}

func issueToken() {
	flags := parseFlags(os.Args[2:])
	secret := os.Getenv("COORDINATOR_JWT_SECRET")
	if secret == "" {
		fail("COORDINATOR_JWT_SECRET environment variable is required")
	}
	subject := flagValue(flags, "subject")
	if subject == "" {
		fail("--subject is required")
	}

	cfg := auth.DefaultJWTConfig(secret)
	if v := flagValue(flags, "ttl"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			fail("--ttl: %v", err)
		}
		cfg.TokenTTL = ttl
	}

	token, expiresAt, err := auth.NewJWTService(cfg).GenerateToken(subject, flags["ds"]...)
	if err != nil {
		fail("%v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
}

func printError(err error) {
	if appErr, ok := apperror.AsAppError(err); ok {
		fmt.Printf("Error [%s]: %s\n", appErr.Code, appErr.Message)
		for k, v := range appErr.Details {
			fmt.Printf("  %s: %v\n", k, v)
		}
		if appErr.Err != nil {
			fmt.Printf("  cause: %v\n", appErr.Err)
		}
		return
	}
	fmt.Printf("Error: %v\n", err)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
