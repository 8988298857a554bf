package rollback

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtsrm/internal/core/apperror"
	"dtsrm/internal/domain/snapshot"
	"dtsrm/internal/domain/undo"
)

const (
	testXID    = "10.0.0.7:7001:2001"
	testBranch = int64(42)
)

var accountsMeta = &snapshot.TableMeta{
	TableName: "accounts",
	Columns: []snapshot.Column{
		{Name: "id", Type: "int4", Ordinal: 1},
		{Name: "balance", Type: "int8", Ordinal: 2},
	},
	PrimaryKey: []string{"id"},
}

// --- in-memory branch database ---

type memDB struct {
	accounts map[int64]int64
	undoLogs []UndoLogEntry

	inTx     bool
	readOnly bool
	executed []string
	locked   []string
	batches  int
	failAt   int
}

func newMemDB() *memDB {
	return &memDB{accounts: map[int64]int64{}}
}

func (db *memDB) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	accounts := maps.Clone(db.accounts)
	undoLogs := slices.Clone(db.undoLogs)

	db.inTx = true
	err := fn(ctx)
	db.inTx = false

	if err != nil {
		db.accounts = accounts
		db.undoLogs = undoLogs
	}
	return err
}

func (db *memDB) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	db.readOnly = true
	defer func() { db.readOnly = false }()
	return db.RunInTransaction(ctx, fn)
}

func (db *memDB) FindActive(_ context.Context, globalID int64) ([]UndoLogEntry, error) {
	var out []UndoLogEntry
	for _, e := range db.undoLogs {
		if e.ID == globalID && e.Status == StatusNormal {
			out = append(out, e)
		}
	}
	return out, nil
}

func (db *memDB) Delete(_ context.Context, ids []int64) error {
	if db.readOnly {
		return errors.New("read-only transaction")
	}
	db.undoLogs = slices.DeleteFunc(db.undoLogs, func(e UndoLogEntry) bool {
		return e.Status == StatusNormal && slices.Contains(ids, e.ID)
	})
	return nil
}

func (db *memDB) LockRows(_ context.Context, query string, args ...any) ([]snapshot.Row, error) {
	if !db.inTx {
		return nil, errors.New("row lock outside transaction")
	}
	db.locked = append(db.locked, query)

	id := args[0].(int64)
	balance, ok := db.accounts[id]
	if !ok {
		return nil, nil
	}
	return []snapshot.Row{{
		{Name: "id", Type: "int4", Value: int32(id)},
		{Name: "balance", Type: "int8", Value: balance},
	}}, nil
}

func (db *memDB) ExecuteBatch(_ context.Context, stmts []undo.Statement) error {
	if db.readOnly {
		return errors.New("read-only transaction")
	}
	db.batches++
	if db.batches == db.failAt {
		return errors.New("connection reset")
	}
	for _, s := range stmts {
		db.executed = append(db.executed, s.SQL)
		switch {
		case strings.HasPrefix(s.SQL, `UPDATE "accounts"`):
			db.accounts[s.Args[1].(int64)] = s.Args[0].(int64)
		case strings.HasPrefix(s.SQL, `DELETE FROM "accounts"`):
			delete(db.accounts, s.Args[0].(int64))
		case strings.HasPrefix(s.SQL, `INSERT INTO "accounts"`):
			db.accounts[s.Args[0].(int64)] = s.Args[1].(int64)
		default:
			return fmt.Errorf("unexpected statement %s", s.SQL)
		}
	}
	return nil
}

type liveReader struct {
	calls int
}

func (l *liveReader) ReadTableMeta(_ context.Context, table string) (*snapshot.TableMeta, error) {
	l.calls++
	if table != "accounts" {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}
	return accountsMeta, nil
}

type memCache struct {
	entries map[string]*snapshot.TableMeta
	err     error
	stored  int
}

func (c *memCache) Lookup(ds, table string) (*snapshot.TableMeta, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.entries[ds+"/"+table], nil
}

func (c *memCache) Store(ds, table string, meta *snapshot.TableMeta) {
	if c.entries == nil {
		c.entries = map[string]*snapshot.TableMeta{}
	}
	c.entries[ds+"/"+table] = meta
	c.stored++
}

type resolver struct {
	db       *memDB
	live     *liveReader
	released int
}

func (r *resolver) Resolve(_ context.Context, ds string) (*Branch, error) {
	if ds != "orders" {
		return nil, apperror.NewNotFound("data source", ds)
	}
	return &Branch{
		Name:     ds,
		Tx:       r.db,
		UndoLogs: r.db,
		Rows:     r.db,
		Exec:     r.db,
		Live:     r.live,
		Release:  func() { r.released++ },
	}, nil
}

// --- fixtures ---

func row(id, balance int64) snapshot.Row {
	return snapshot.Row{
		{Name: "id", Type: "int4", Value: id},
		{Name: "balance", Type: "int8", Value: balance},
	}
}

func accountChange(id int64, original, present []snapshot.Row) snapshot.ChangeRecord {
	return snapshot.ChangeRecord{
		OriginalValue:  snapshot.TableSnapshot{TableName: "accounts", Rows: original},
		PresentValue:   snapshot.TableSnapshot{TableName: "accounts", Rows: present},
		SelectSQL:      "SELECT id, balance FROM accounts",
		WhereCondition: "WHERE id = $1",
		WhereArgs:      []any{id},
	}
}

// forwardTx is what the forward path recorded: account 1 debited from 100 to
// 80, then account 2 opened with 50.
func forwardTx(branchID int64) *snapshot.RuntimeContext {
	return &snapshot.RuntimeContext{
		LogID:    7,
		XID:      testXID,
		BranchID: branchID,
		Changes: []snapshot.ChangeRecord{
			accountChange(1, []snapshot.Row{row(1, 100)}, []snapshot.Row{row(1, 80)}),
			accountChange(2, nil, []snapshot.Row{row(2, 50)}),
		},
	}
}

func payload(t *testing.T, rc *snapshot.RuntimeContext) []byte {
	t.Helper()
	raw, err := snapshot.Encode(rc, 0)
	require.NoError(t, err)
	return raw
}

func branchCtx() BranchContext {
	return BranchContext{DataSource: "orders", XID: testXID, BranchID: testBranch}
}

type fixture struct {
	db    *memDB
	live  *liveReader
	res   *resolver
	cache *memCache
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newMemDB()
	db.accounts[1] = 80
	db.accounts[2] = 50
	db.undoLogs = []UndoLogEntry{{
		ID:           branchCtx().GlobalID(),
		Status:       StatusNormal,
		RollbackInfo: payload(t, forwardTx(testBranch)),
	}}

	live := &liveReader{}
	res := &resolver{db: db, live: live}
	cache := &memCache{}
	return &fixture{
		db:    db,
		live:  live,
		res:   res,
		cache: cache,
		svc:   NewService(res, cache),
	}
}

// --- tests ---

func TestBranchRollback_RestoresRowsAndDeletesLog(t *testing.T) {
	f := newFixture(t)

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.NoError(t, err)

	assert.Equal(t, map[int64]int64{1: 100}, f.db.accounts)
	assert.Empty(t, f.db.undoLogs)
	assert.Equal(t, []string{
		`DELETE FROM "accounts" WHERE "id" = $1`,
		`UPDATE "accounts" SET "balance" = $1 WHERE "id" = $2`,
	}, f.db.executed, "changes are undone last to first")
	assert.Equal(t, []string{
		"SELECT id, balance FROM accounts WHERE id = $1 FOR UPDATE",
		"SELECT id, balance FROM accounts WHERE id = $1 FOR UPDATE",
	}, f.db.locked)
	assert.Equal(t, 1, f.live.calls, "table meta resolved once per call")
	assert.Equal(t, 1, f.cache.stored)
	assert.Equal(t, 1, f.res.released)
}

func TestBranchRollback_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.BranchRollback(ctx, branchCtx()))
	require.NoError(t, f.svc.BranchRollback(ctx, branchCtx()))

	assert.Equal(t, map[int64]int64{1: 100}, f.db.accounts)
	assert.Len(t, f.db.executed, 2)
}

func TestBranchRollback_FinishedEntryIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.db.undoLogs[0].Status = StatusGlobalFinished

	require.NoError(t, f.svc.BranchRollback(context.Background(), branchCtx()))

	assert.Empty(t, f.db.executed)
	assert.Len(t, f.db.undoLogs, 1)
	assert.Equal(t, map[int64]int64{1: 80, 2: 50}, f.db.accounts)
}

func TestBranchRollback_StatementFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	f.db.failAt = 2

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)

	assert.True(t, apperror.HasCode(err, apperror.CodeRollback))
	assert.True(t, apperror.IsExecution(err))
	assert.Equal(t, map[int64]int64{1: 80, 2: 50}, f.db.accounts)
	assert.Len(t, f.db.undoLogs, 1)
}

func TestBranchRollback_DirtyWrite(t *testing.T) {
	f := newFixture(t)
	f.db.accounts[1] = 70

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)

	assert.True(t, apperror.IsDirtyWrite(err))
	assert.Equal(t, http.StatusConflict, apperror.GetHTTPStatus(err))
	assert.Equal(t, map[int64]int64{1: 70, 2: 50}, f.db.accounts)
	assert.Len(t, f.db.undoLogs, 1)

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeDirtyWrite, appErr.Details["cause_code"])
	assert.Equal(t, "accounts", appErr.Details["table"])
}

func TestBranchRollback_DirtyWriteOnMissingRow(t *testing.T) {
	f := newFixture(t)
	// account 1 was deleted by someone else after the forward update
	delete(f.db.accounts, 1)

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)
	assert.True(t, apperror.IsDirtyWrite(err))
	assert.Equal(t, map[int64]int64{2: 50}, f.db.accounts)
}

func TestBranchRollback_NoOpChangeIsStillChecked(t *testing.T) {
	f := newFixture(t)
	rc := forwardTx(testBranch)
	// the forward statement matched nothing on account 1
	rc.Changes = []snapshot.ChangeRecord{accountChange(1, nil, nil)}
	f.db.undoLogs[0].RollbackInfo = payload(t, rc)

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)
	assert.True(t, apperror.IsDirtyWrite(err))
	assert.Equal(t, []string{"SELECT id, balance FROM accounts WHERE id = $1 FOR UPDATE"}, f.db.locked)
	assert.Len(t, f.db.undoLogs, 1)
	assert.Empty(t, f.db.executed)

	// once the row is gone again the change is a clean no-op
	delete(f.db.accounts, 1)
	f.db.locked = nil
	require.NoError(t, f.svc.BranchRollback(context.Background(), branchCtx()))
	assert.Len(t, f.db.locked, 1)
	assert.Empty(t, f.db.executed)
	assert.Empty(t, f.db.undoLogs)
}

func TestBranchRollback_DuplicateActiveEntries(t *testing.T) {
	f := newFixture(t)
	f.db.undoLogs = append(f.db.undoLogs, f.db.undoLogs[0])

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)
	assert.True(t, apperror.IsIntegrity(err))
	assert.Len(t, f.db.undoLogs, 2)
	assert.Empty(t, f.db.executed)
}

func TestBranchRollback_UndecodablePayload(t *testing.T) {
	f := newFixture(t)
	f.db.undoLogs[0].RollbackInfo = []byte("not json")

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)
	assert.True(t, apperror.IsIntegrity(err))
	assert.Len(t, f.db.undoLogs, 1)
}

func TestBranchRollback_PayloadOfAnotherBranch(t *testing.T) {
	f := newFixture(t)
	f.db.undoLogs[0].RollbackInfo = payload(t, forwardTx(testBranch+1))

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)
	assert.True(t, apperror.IsIntegrity(err))
	assert.Empty(t, f.db.executed)
}

func TestBranchRollback_CacheFailureFallsBackToLiveSchema(t *testing.T) {
	f := newFixture(t)
	f.cache.err = errors.New("cache closed")

	require.NoError(t, f.svc.BranchRollback(context.Background(), branchCtx()))
	assert.Equal(t, 1, f.live.calls)
	assert.Equal(t, map[int64]int64{1: 100}, f.db.accounts)
}

func TestBranchRollback_CacheHitSkipsLiveSchema(t *testing.T) {
	f := newFixture(t)
	f.cache.Store("orders", "accounts", accountsMeta)

	require.NoError(t, f.svc.BranchRollback(context.Background(), branchCtx()))
	assert.Zero(t, f.live.calls)
}

func TestBranchRollback_UnknownTable(t *testing.T) {
	f := newFixture(t)
	rc := forwardTx(testBranch)
	rc.Changes[1].PresentValue.TableName = "ledger"
	rc.Changes[1].OriginalValue.TableName = "ledger"
	f.db.undoLogs[0].RollbackInfo = payload(t, rc)

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger")
	assert.Equal(t, map[int64]int64{1: 80, 2: 50}, f.db.accounts)
}

func TestBranchRollback_TableWithoutPrimaryKey(t *testing.T) {
	f := newFixture(t)
	f.cache.Store("orders", "journal", &snapshot.TableMeta{
		TableName: "journal",
		Columns:   accountsMeta.Columns,
	})

	change := accountChange(1, []snapshot.Row{row(1, 100)}, []snapshot.Row{row(1, 80)})
	change.OriginalValue.TableName = "journal"
	change.PresentValue.TableName = "journal"
	rc := forwardTx(testBranch)
	rc.Changes = []snapshot.ChangeRecord{change}
	f.db.undoLogs[0].RollbackInfo = payload(t, rc)

	err := f.svc.BranchRollback(context.Background(), branchCtx())
	require.Error(t, err)
	assert.True(t, apperror.IsExecution(err))
	assert.ErrorIs(t, err, undo.ErrNoPrimaryKey)
	assert.Len(t, f.db.undoLogs, 1)
}

func TestBranchRollback_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []BranchContext{
		{DataSource: "", XID: testXID, BranchID: 1},
		{DataSource: "orders", XID: "bad", BranchID: 1},
		{DataSource: "orders", XID: testXID, BranchID: 0},
	}
	for _, bc := range cases {
		err := f.svc.BranchRollback(ctx, bc)
		assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "%+v", bc)
	}
	assert.Zero(t, f.res.released)
}

func TestBranchRollback_UnknownDataSource(t *testing.T) {
	f := newFixture(t)
	bc := branchCtx()
	bc.DataSource = "billing"

	err := f.svc.BranchRollback(context.Background(), bc)
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
	assert.Equal(t, http.StatusNotFound, apperror.GetHTTPStatus(err))
}

func TestPreview_ListsStatementsWithoutExecuting(t *testing.T) {
	f := newFixture(t)

	plan, err := f.svc.Preview(context.Background(), branchCtx())
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.Equal(t, int64(7), plan.Context.LogID)
	require.Len(t, plan.Statements, 2)
	assert.Equal(t, `DELETE FROM "accounts" WHERE "id" = $1`, plan.Statements[0].SQL)
	assert.Equal(t, []any{int64(100), int64(1)}, plan.Statements[1].Args)

	assert.Empty(t, f.db.executed)
	assert.Empty(t, f.db.locked)
	assert.Len(t, f.db.undoLogs, 1)
}

func TestPreview_NoActiveEntry(t *testing.T) {
	f := newFixture(t)
	f.db.undoLogs = nil

	plan, err := f.svc.Preview(context.Background(), branchCtx())
	require.NoError(t, err)
	assert.Nil(t, plan)
}
