package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	RecordsChecked int    `json:"records_checked"`
	BrokenAtSeq    uint64 `json:"broken_at_seq,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// Options configures a Chain.
type Options struct {
	Algorithm Algorithm
	Logger    *zap.Logger
	// Now returns the record timestamp. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Chain is the single writer of the audit log.
//
// Append holds the mutex across reading the previous chain hash, computing
// the new one and storing the record, so concurrent appenders never link to
// the same predecessor. Readers go straight to the store.
type Chain struct {
	mu        sync.Mutex
	store     Store
	algorithm Algorithm
	logger    *zap.Logger
	now       func() time.Time
	seq       uint64 // last appended sequence number
	lastChain string // chain hash of the last record, "" for an empty log

	subMu  sync.RWMutex
	subs   map[int]chan Record
	nextID int
}

// New opens a chain over store, resuming from the store's latest record so
// the chain continues correctly after a restart.
func New(ctx context.Context, store Store, opts Options) (*Chain, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = SHA256
	}
	if _, err := opts.Algorithm.newHash(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	c := &Chain{
		store:     store,
		algorithm: opts.Algorithm,
		logger:    opts.Logger,
		now:       opts.Now,
		subs:      make(map[int]chan Record),
	}

	latest, ok, err := store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering audit state: %w", err)
	}
	if ok {
		c.seq = latest.Seq
		c.lastChain = latest.Proof.ChainHash
	}

	c.logger.Info("audit chain opened",
		zap.String("algorithm", string(c.algorithm)),
		zap.Uint64("seq", c.seq),
	)
	return c, nil
}

// Close closes the underlying store and ends all subscriptions.
func (c *Chain) Close() error {
	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}

// Algorithm returns the hash algorithm used for new records.
func (c *Chain) Algorithm() Algorithm { return c.algorithm }

// Append serializes event as JSON and appends it. Events that are already
// serialized (json.RawMessage, []byte, string) are stored verbatim.
func (c *Chain) Append(ctx context.Context, correlationID string, event any) (Proof, error) {
	var payload string
	switch v := event.(type) {
	case json.RawMessage:
		payload = string(v)
	case []byte:
		payload = string(v)
	case string:
		payload = v
	default:
		data, err := json.Marshal(event)
		if err != nil {
			return Proof{}, fmt.Errorf("serializing audit event: %w", err)
		}
		payload = string(data)
	}
	return c.AppendPayload(ctx, correlationID, payload)
}

// AppendPayload appends a pre-serialized payload and returns its proof.
// The chain state only advances once the store has accepted the record.
func (c *Chain) AppendPayload(ctx context.Context, correlationID, payload string) (Proof, error) {
	recordHash, err := HashRecord(c.algorithm, payload)
	if err != nil {
		return Proof{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chainHash, err := ChainHash(c.algorithm, c.lastChain, recordHash)
	if err != nil {
		return Proof{}, err
	}

	rec := Record{
		Seq:           c.seq + 1,
		CorrelationID: correlationID,
		Timestamp:     c.now(),
		Payload:       payload,
		Proof: Proof{
			Algorithm:  c.algorithm,
			RecordHash: recordHash,
			ChainHash:  chainHash,
		},
	}

	if err := c.store.Append(ctx, rec); err != nil {
		c.logger.Error("audit append failed",
			zap.Uint64("seq", rec.Seq),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return Proof{}, fmt.Errorf("storing audit record %d: %w", rec.Seq, err)
	}

	c.seq = rec.Seq
	c.lastChain = chainHash
	c.publish(rec)
	return rec.Proof, nil
}

// LatestChainHash returns the chain hash of the last record, or ok=false
// when the log is empty.
func (c *Chain) LatestChainHash(ctx context.Context) (string, bool, error) {
	rec, ok, err := c.store.Latest(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	return rec.Proof.ChainHash, true, nil
}

// All returns every decodable record in append order. Malformed records are
// logged and skipped.
func (c *Chain) All(ctx context.Context) ([]Record, error) {
	var out []Record
	err := c.store.Scan(ctx, func(rec Record, derr *DecodeError) error {
		if derr != nil {
			c.logger.Warn("skipping malformed audit record", zap.Error(derr))
			return nil
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Query filters by time range and correlation id, then pages over the
// filtered records, newest first.
func (c *Chain) Query(ctx context.Context, f Filter) (Page, error) {
	f = f.normalized()
	if q, ok := c.store.(querier); ok {
		return q.query(ctx, f)
	}

	var matched []Record
	skipped := 0
	err := c.store.Scan(ctx, func(rec Record, derr *DecodeError) error {
		if derr != nil {
			skipped++
			return nil
		}
		if f.matches(rec) {
			matched = append(matched, rec)
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	slices.Reverse(matched)

	page := Page{
		Records:    []Record{},
		TotalCount: len(matched),
		Limit:      f.Limit,
		Offset:     f.Offset,
		Skipped:    skipped,
	}
	if f.Offset < len(matched) {
		end := min(f.Offset+f.Limit, len(matched))
		page.Records = matched[f.Offset:end]
	}
	return page, nil
}

// Verify walks the whole log and recomputes every proof. It stops at the
// first record whose payload hash, chain link or sequence number does not
// match, or that cannot be decoded.
func (c *Chain) Verify(ctx context.Context) (VerifyResult, error) {
	var (
		res      = VerifyResult{Valid: true}
		prevHash string
		prevSeq  uint64
		errStop  = errors.New("stop")
	)

	err := c.store.Scan(ctx, func(rec Record, derr *DecodeError) error {
		res.RecordsChecked++
		if derr != nil {
			res.Valid = false
			res.BrokenAtSeq = prevSeq + 1
			res.Reason = derr.Error()
			return errStop
		}

		fail := func(reason, expected, actual string) error {
			res.Valid = false
			res.BrokenAtSeq = rec.Seq
			res.Reason = reason
			res.ExpectedHash = expected
			res.ActualHash = actual
			return errStop
		}

		if rec.Seq != prevSeq+1 {
			return fail(fmt.Sprintf("sequence gap: expected %d, found %d", prevSeq+1, rec.Seq), "", "")
		}
		recordHash, err := HashRecord(rec.Proof.Algorithm, rec.Payload)
		if err != nil {
			return fail(err.Error(), "", "")
		}
		if recordHash != rec.Proof.RecordHash {
			return fail("payload does not match record hash", recordHash, rec.Proof.RecordHash)
		}
		chainHash, err := ChainHash(rec.Proof.Algorithm, prevHash, recordHash)
		if err != nil {
			return fail(err.Error(), "", "")
		}
		if chainHash != rec.Proof.ChainHash {
			return fail("chain hash does not link to previous record", chainHash, rec.Proof.ChainHash)
		}

		prevHash = rec.Proof.ChainHash
		prevSeq = rec.Seq
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return VerifyResult{}, fmt.Errorf("reading records for verification: %w", err)
	}
	return res, nil
}

// Export writes all records to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func (c *Chain) Export(ctx context.Context, w io.Writer, format string) error {
	records, err := c.All(ctx)
	if err != nil {
		return fmt.Errorf("reading records for export: %w", err)
	}
	return WriteRecords(w, format, records)
}

// WriteRecords encodes records in the given format.
func WriteRecords(w io.Writer, format string, records []Record) error {
	switch format {
	case "json":
		if records == nil {
			records = []Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"seq", "timestamp", "correlation_id", "algorithm", "record_hash", "chain_hash", "payload"}); err != nil {
			return err
		}
		for _, r := range records {
			if err := cw.Write([]string{
				strconv.FormatUint(r.Seq, 10),
				r.Timestamp.UTC().Format(time.RFC3339Nano),
				r.CorrelationID,
				string(r.Proof.Algorithm),
				r.Proof.RecordHash,
				r.Proof.ChainHash,
				r.Payload,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// Follow polls the store for records appended after afterSeq and calls fn
// for each, in order. Blocks until ctx is cancelled. Used by
// `promptgate audit tail --follow`, which runs in a different process from
// the writer.
func (c *Chain) Follow(ctx context.Context, afterSeq uint64, interval time.Duration, fn func(Record)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := afterSeq
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.store.Scan(ctx, func(rec Record, derr *DecodeError) error {
				if derr == nil && rec.Seq > last {
					fn(rec)
					last = rec.Seq
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				c.logger.Error("follow: error reading records", zap.Error(err))
			}
		}
	}
}

// Subscribe returns a channel receiving every record appended from now on.
// Slow subscribers miss records rather than block the writer. The returned
// function ends the subscription.
func (c *Chain) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Chain) publish(rec Record) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}
