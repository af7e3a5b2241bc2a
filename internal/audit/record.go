package audit

import (
	"context"
	"fmt"
	"time"
)

// Proof is returned for every appended record.
type Proof struct {
	Algorithm  Algorithm `json:"algorithm"`
	RecordHash string    `json:"record_hash"`
	ChainHash  string    `json:"chain_hash"`
}

// Record is a single audit log entry. Payload is the exact serialized
// snapshot that RecordHash covers.
type Record struct {
	Seq           uint64    `json:"seq"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       string    `json:"payload"`
	Proof         Proof     `json:"proof"`
}

// Filter selects records for Query. Zero values mean "no filter". Start is
// inclusive, End exclusive.
type Filter struct {
	Start         time.Time
	End           time.Time
	CorrelationID string
	Limit         int
	Offset        int
}

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
)

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f Filter) matches(r Record) bool {
	if f.CorrelationID != "" && r.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !r.Timestamp.Before(f.End) {
		return false
	}
	return true
}

// Page is one page of query results, newest first. TotalCount counts every
// record that matched the filter, before Offset and Limit were applied.
// Skipped counts malformed records that could not be decoded.
type Page struct {
	Records    []Record `json:"records"`
	TotalCount int      `json:"total_count"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
	Skipped    int      `json:"skipped,omitempty"`
}

// DecodeError reports a persisted record that could not be decoded.
type DecodeError struct {
	Location string // file:line for the file store, seq=N for SQL stores
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audit: malformed record at %s: %v", e.Location, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ScanFunc receives records in append order. For a record that could not be
// decoded, rec is zero and decodeErr describes the problem. Returning a
// non-nil error stops the scan and is returned from Scan.
type ScanFunc func(rec Record, decodeErr *DecodeError) error

// Store persists records. Implementations must make Append durable (fsync or
// a committed transaction) before returning. The Chain serializes calls to
// Append, so stores only need to be safe for concurrent reads alongside one
// writer.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Latest returns the last appended record, or ok=false for an empty store.
	Latest(ctx context.Context) (rec Record, ok bool, err error)
	Scan(ctx context.Context, fn ScanFunc) error
	Close() error
}

// querier is implemented by stores that can filter and page natively.
type querier interface {
	query(ctx context.Context, f Filter) (Page, error)
}
