package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// tsLayout is fixed-width so text comparison of timestamps orders correctly.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore keeps records in a SQL table. It backs the "sqlite" audit backend
// (pure-Go SQLite, WAL mode so the server writes while the CLI reads) and the
// "postgres" backend (pgx). Each Append is one committed transaction.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// OpenSQLite opens (or creates) a SQLite audit database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite audit store %s: %w", path, err)
	}
	// One connection keeps SQLite writes strictly ordered.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, false)
}

// OpenPostgres opens a Postgres audit store using the pgx driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres audit store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres audit store: %w", err)
	}
	return newSQLStore(db, true)
}

func newSQLStore(db *sql.DB, postgres bool) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_records (
			seq            BIGINT PRIMARY KEY,
			correlation_id TEXT NOT NULL DEFAULT '',
			ts             TEXT NOT NULL,
			payload        TEXT NOT NULL,
			algorithm      TEXT NOT NULL,
			record_hash    TEXT NOT NULL,
			chain_hash     TEXT NOT NULL
		)`)
	if err == nil {
		_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_records(correlation_id)`)
	}
	if err == nil {
		_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts)`)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return s, nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append inserts rec in its own transaction.
func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_records (seq, correlation_id, ts, payload, algorithm, record_hash, chain_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		int64(rec.Seq), rec.CorrelationID, rec.Timestamp.UTC().Format(tsLayout), rec.Payload,
		string(rec.Proof.Algorithm), rec.Proof.RecordHash, rec.Proof.ChainHash,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return tx.Commit()
}

const selectColumns = "SELECT seq, correlation_id, ts, payload, algorithm, record_hash, chain_hash FROM audit_records"

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRow decodes one row. A timestamp that does not parse yields a
// DecodeError with the row's seq.
func scanRow(row rowScanner) (Record, *DecodeError, error) {
	var (
		rec Record
		seq int64
		ts  string
		alg string
	)
	if err := row.Scan(&seq, &rec.CorrelationID, &ts, &rec.Payload, &alg, &rec.Proof.RecordHash, &rec.Proof.ChainHash); err != nil {
		return Record{}, nil, err
	}
	rec.Seq = uint64(seq)
	rec.Proof.Algorithm = Algorithm(alg)

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Record{}, &DecodeError{Location: fmt.Sprintf("seq=%d", seq), Err: err}, nil
	}
	rec.Timestamp = t.UTC()
	return rec, nil, nil
}

// Latest returns the record with the highest seq.
func (s *SQLStore) Latest(ctx context.Context) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" ORDER BY seq DESC LIMIT 1")
	rec, derr, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading latest audit record: %w", err)
	}
	if derr != nil {
		return Record{}, false, derr
	}
	return rec, true, nil
}

// Scan reads all records in seq order.
func (s *SQLStore) Scan(ctx context.Context, fn ScanFunc) error {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY seq ASC")
	if err != nil {
		return fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, derr, err := scanRow(rows)
		if err != nil {
			return fmt.Errorf("scanning audit row: %w", err)
		}
		if err := fn(rec, derr); err != nil {
			return err
		}
	}
	return rows.Err()
}

// query filters and pages in SQL.
func (s *SQLStore) query(ctx context.Context, f Filter) (Page, error) {
	where := " WHERE 1=1"
	var args []any
	if f.CorrelationID != "" {
		where += " AND correlation_id = ?"
		args = append(args, f.CorrelationID)
	}
	if !f.Start.IsZero() {
		where += " AND ts >= ?"
		args = append(args, f.Start.UTC().Format(tsLayout))
	}
	if !f.End.IsZero() {
		where += " AND ts < ?"
		args = append(args, f.End.UTC().Format(tsLayout))
	}

	page := Page{Records: []Record{}, Limit: f.Limit, Offset: f.Offset}
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM audit_records"+where), args...).Scan(&page.TotalCount); err != nil {
		return Page{}, fmt.Errorf("counting audit records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.rebind(selectColumns+where+" ORDER BY seq DESC LIMIT ? OFFSET ?"),
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, derr, err := scanRow(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scanning audit row: %w", err)
		}
		if derr != nil {
			page.Skipped++
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, rows.Err()
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
