package provider

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomvit/yamc-go/internal/errs"
)

var connstrPasswordPattern = regexp.MustCompile(`(password=)[^ ]+`)

// hideConnstrPassword redacts a connection string's password= segment
// before it reaches a log line.
func hideConnstrPassword(connstr string) string {
	return connstrPasswordPattern.ReplaceAllString(connstr, "${1}***")
}

// DBProvider runs operator-supplied SQL against an external database.
// It holds one pooled connection, reopening it whenever a query fails
// or reconnectAfter has elapsed since the last (re)open, and caches
// each SQL file's text the first time it is read so repeated calls
// don't re-read the filesystem.
type DBProvider struct {
	BaseProvider

	connstr        string
	reconnectAfter time.Duration
	sqlFilesDir    string

	mu        sync.Mutex
	pool      *pgxpool.Pool
	openedAt  time.Time
	stmtCache map[string]string
}

// NewDBProvider constructs a DBProvider. The connection is opened
// lazily on the first SQL call, not at construction time.
func NewDBProvider(base BaseProvider, connstr, sqlFilesDir string, reconnectAfter time.Duration) *DBProvider {
	return &DBProvider{
		BaseProvider:   base,
		connstr:        connstr,
		reconnectAfter: reconnectAfter,
		sqlFilesDir:    sqlFilesDir,
		stmtCache:      make(map[string]string),
	}
}

func (d *DBProvider) open(ctx context.Context) (*pgxpool.Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	needsReopen := d.pool == nil || (d.reconnectAfter > 0 && time.Since(d.openedAt) > d.reconnectAfter)
	if !needsReopen {
		return d.pool, nil
	}

	if d.pool != nil {
		d.pool.Close()
	}

	d.Log().Debug("opening database connection", "connstr", hideConnstrPassword(d.connstr))
	pool, err := pgxpool.New(ctx, d.connstr)
	if err != nil {
		return nil, errs.NewHealthCheck("db provider", fmt.Errorf("connect %s: %w", hideConnstrPassword(d.connstr), err))
	}
	d.pool = pool
	d.openedAt = time.Now()
	return pool, nil
}

func (d *DBProvider) loadStatement(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.stmtCache[name]; ok {
		return cached, nil
	}
	path := name
	if d.sqlFilesDir != "" {
		path = d.sqlFilesDir + string(os.PathSeparator) + name
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.NewData("db provider", err)
	}
	text := string(data)
	d.stmtCache[name] = text
	return text, nil
}

// SQL executes the statement stored in sqlFile (cached after first
// read) with vars as positional arguments, returning each result row
// as a map keyed by column name with an added "time" field set to the
// wall-clock moment the query started.
func (d *DBProvider) SQL(ctx context.Context, sqlFile string, vars ...any) ([]map[string]any, error) {
	pool, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	stmt, err := d.loadStatement(sqlFile)
	if err != nil {
		return nil, err
	}

	queryTime := time.Now()
	rows, err := pool.Query(ctx, stmt, vars...)
	if err != nil {
		d.closeOnFailure()
		return nil, errs.NewHealthCheck("db provider", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, errs.NewData("db provider", err)
		}
		row := make(map[string]any, len(fields)+1)
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		row["time"] = queryTime.Unix()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		d.closeOnFailure()
		return nil, errs.NewHealthCheck("db provider", err)
	}
	return out, nil
}

// closeOnFailure drops the current pool after a failed query so the
// next call reopens a fresh connection.
func (d *DBProvider) closeOnFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
}

// Close releases the pooled connection, if open.
func (d *DBProvider) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
}
