// Package testutil provides an in-memory database/sql driver that speaks the
// statements of the postgres store: keyed payload upserts and deletes, and
// full-table payload scans. Writes issued inside a transaction only become
// visible on commit.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Op classifies a statement issued against the stub.
type Op string

const (
	OpDDL    Op = "ddl"
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
	OpSelect Op = "select"
)

// Statement is one statement the store issued.
type Statement struct {
	Op    Op
	Table string
	Key   string
	InTx  bool
	Query string
}

// Row is one stored payload.
type Row struct {
	Key      string
	Position string
	Payload  []byte
}

var (
	createTableRe = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+IF\s+NOT\s+EXISTS\s+(\w+)`)
	createIndexRe = regexp.MustCompile(`(?is)^\s*CREATE\s+INDEX\s`)
	upsertRe      = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+(\w+)\s*\(\s*key\s*,\s*position\s*,\s*payload\s*\)\s*VALUES\s*\(\s*\$1\s*,\s*\$2\s*,\s*\$3\s*\)\s*ON\s+CONFLICT\s*\(\s*key\s*\)\s*DO\s+UPDATE\s+SET\s+payload\s*=\s*EXCLUDED\.payload\s*$`)
	deleteRe      = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+(\w+)\s+WHERE\s+key\s*=\s*\$1\s*$`)
	selectRe      = regexp.MustCompile(`(?is)^\s*SELECT\s+key\s*,\s*position\s*,\s*payload\s+FROM\s+(\w+)\s*$`)
)

// Conn is the single connection every sql.DB opened by NewDB shares.
type Conn struct {
	mu         sync.Mutex
	statements []Statement
	tables     map[string]map[string]Row
	pending    map[string]map[string]*Row
	inTx       bool

	// FailTables makes every statement touching the named tables fail.
	FailTables map[string]bool
	FailPing   bool
	FailBegin  bool
	FailCommit bool
}

var driverSeq atomic.Int64

// NewDB registers a fresh driver and opens a sql.DB on it.
func NewDB() (*sql.DB, *Conn) {
	conn := &Conn{tables: make(map[string]map[string]Row)}
	name := fmt.Sprintf("trackcore-stub-%d", driverSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *Conn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Statements returns the statements issued so far.
func (c *Conn) Statements() []Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Statement(nil), c.statements...)
}

// Issued returns the keys of the op statements issued against table, in order.
func (c *Conn) Issued(op Op, table string) []string {
	var keys []string
	for _, s := range c.Statements() {
		if s.Op == op && s.Table == table {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// Rows returns the committed rows of table ordered by key.
func (c *Conn) Rows(table string) []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Row, 0, len(c.tables[table]))
	for _, r := range c.tables[table] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Row returns the committed row stored under key.
func (c *Conn) Row(table, key string) (Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.tables[table][key]
	return r, ok
}

func (c *Conn) Prepare(string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements are not supported")
}

func (c *Conn) Close() error { return nil }

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping failed")
	}
	return nil
}

func (c *Conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, fmt.Errorf("begin failed")
	}
	if c.inTx {
		return nil, fmt.Errorf("transaction already open")
	}
	c.inTx = true
	c.pending = make(map[string]map[string]*Row)
	return &stubTx{conn: c}, nil
}

func (c *Conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case createTableRe.MatchString(query):
		table := strings.ToLower(createTableRe.FindStringSubmatch(query)[1])
		c.record(Statement{Op: OpDDL, Table: table, Query: query})
		if c.tables[table] == nil {
			c.tables[table] = make(map[string]Row)
		}
		return driver.RowsAffected(0), nil
	case createIndexRe.MatchString(query):
		c.record(Statement{Op: OpDDL, Query: query})
		return driver.RowsAffected(0), nil
	case upsertRe.MatchString(query):
		table := strings.ToLower(upsertRe.FindStringSubmatch(query)[1])
		if len(args) != 3 {
			return nil, fmt.Errorf("upsert %s: expected 3 arguments, got %d", table, len(args))
		}
		key, position, payload, err := rowArgs(args)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", table, err)
		}
		c.record(Statement{Op: OpUpsert, Table: table, Key: key, InTx: c.inTx, Query: query})
		if err := c.checkTable(table); err != nil {
			return nil, err
		}
		row := Row{Key: key, Position: position, Payload: payload}
		if existing, ok := c.lookup(table, key); ok {
			row.Position = existing.Position
		}
		c.write(table, key, &row)
		return driver.RowsAffected(1), nil
	case deleteRe.MatchString(query):
		table := strings.ToLower(deleteRe.FindStringSubmatch(query)[1])
		if len(args) != 1 {
			return nil, fmt.Errorf("delete %s: expected 1 argument, got %d", table, len(args))
		}
		key, ok := args[0].Value.(string)
		if !ok {
			return nil, fmt.Errorf("delete %s: key must be a string, got %T", table, args[0].Value)
		}
		c.record(Statement{Op: OpDelete, Table: table, Key: key, InTx: c.inTx, Query: query})
		if err := c.checkTable(table); err != nil {
			return nil, err
		}
		if _, ok := c.lookup(table, key); !ok {
			return driver.RowsAffected(0), nil
		}
		c.write(table, key, nil)
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("unsupported statement: %s", query)
}

func (c *Conn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := selectRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	table := strings.ToLower(m[1])
	c.record(Statement{Op: OpSelect, Table: table, InTx: c.inTx, Query: query})
	if err := c.checkTable(table); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(c.tables[table]))
	for k := range c.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := &stubRows{}
	for _, k := range keys {
		r := c.tables[table][k]
		rows.values = append(rows.values, []driver.Value{r.Key, r.Position, r.Payload})
	}
	return rows, nil
}

func (c *Conn) record(s Statement) {
	c.statements = append(c.statements, s)
}

func (c *Conn) checkTable(table string) error {
	if c.FailTables[table] {
		return fmt.Errorf("table %s unavailable", table)
	}
	if c.tables[table] == nil {
		return fmt.Errorf("relation %q does not exist", table)
	}
	return nil
}

// lookup sees the writes of the open transaction.
func (c *Conn) lookup(table, key string) (Row, bool) {
	if c.inTx {
		if r, ok := c.pending[table][key]; ok {
			if r == nil {
				return Row{}, false
			}
			return *r, true
		}
	}
	r, ok := c.tables[table][key]
	return r, ok
}

// write applies a row, or a deletion when row is nil.
func (c *Conn) write(table, key string, row *Row) {
	if c.inTx {
		if c.pending[table] == nil {
			c.pending[table] = make(map[string]*Row)
		}
		c.pending[table][key] = row
		return
	}
	if row == nil {
		delete(c.tables[table], key)
		return
	}
	c.tables[table][key] = *row
}

func rowArgs(args []driver.NamedValue) (key, position string, payload []byte, err error) {
	key, ok := args[0].Value.(string)
	if !ok {
		return "", "", nil, fmt.Errorf("key must be a string, got %T", args[0].Value)
	}
	position, ok = args[1].Value.(string)
	if !ok {
		return "", "", nil, fmt.Errorf("position must be a string, got %T", args[1].Value)
	}
	switch v := args[2].Value.(type) {
	case []byte:
		payload = append([]byte(nil), v...)
	case string:
		payload = []byte(v)
	default:
		return "", "", nil, fmt.Errorf("payload must be bytes, got %T", v)
	}
	return key, position, payload, nil
}

type stubTx struct {
	conn *Conn
}

func (t *stubTx) Commit() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.inTx, c.pending = false, nil
	if c.FailCommit {
		return fmt.Errorf("commit failed")
	}
	for table, rows := range pending {
		for key, row := range rows {
			if row == nil {
				delete(c.tables[table], key)
				continue
			}
			c.tables[table][key] = *row
		}
	}
	return nil
}

func (t *stubTx) Rollback() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx, c.pending = false, nil
	return nil
}

type stubRows struct {
	values [][]driver.Value
	idx    int
}

func (r *stubRows) Columns() []string { return []string{"key", "position", "payload"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}
