package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var testStart = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

// steppingClock returns start, start+1s, start+2s, ...
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

func newTestChain(t *testing.T, store Store) *Chain {
	t.Helper()
	c, err := New(context.Background(), store, Options{Now: steppingClock(testStart, time.Second)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAppend_ReturnsLinkedProofs(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t, NewMemoryStore())

	p1, err := c.Append(ctx, "req-1", map[string]string{"decision": "allowed"})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c.Append(ctx, "req-2", map[string]string{"decision": "blocked"})
	if err != nil {
		t.Fatal(err)
	}

	if p1.Algorithm != SHA256 {
		t.Errorf("default algorithm = %q, want sha256", p1.Algorithm)
	}
	want, _ := ChainHash(SHA256, p1.ChainHash, p2.RecordHash)
	if p2.ChainHash != want {
		t.Errorf("second chain hash does not link to the first")
	}

	latest, ok, err := c.LatestChainHash(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestChainHash: ok=%v err=%v", ok, err)
	}
	if latest != p2.ChainHash {
		t.Errorf("LatestChainHash = %q, want %q", latest, p2.ChainHash)
	}
}

func TestAppend_PayloadEncoding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := newTestChain(t, store)

	if _, err := c.Append(ctx, "a", struct {
		Decision string `json:"decision"`
	}{"blocked"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Append(ctx, "b", `{"raw":true}`); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Append(ctx, "c", json.RawMessage(`{"raw":"message"}`)); err != nil {
		t.Fatal(err)
	}

	records, err := c.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{`{"decision":"blocked"}`, `{"raw":true}`, `{"raw":"message"}`}
	for i, w := range want {
		if records[i].Payload != w {
			t.Errorf("record %d payload = %q, want %q", i, records[i].Payload, w)
		}
		if h, _ := HashRecord(SHA256, w); records[i].Proof.RecordHash != h {
			t.Errorf("record %d hash does not cover the stored payload", i)
		}
	}
}

func TestAppend_EmptyLog(t *testing.T) {
	c := newTestChain(t, NewMemoryStore())
	_, ok, err := c.LatestChainHash(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("empty log should report no latest chain hash")
	}

	res, err := c.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.RecordsChecked != 0 {
		t.Errorf("empty log should verify: %+v", res)
	}
}

func TestAppend_ConcurrentWritersNeverFork(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := newTestChain(t, store)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Append(ctx, "concurrent", map[string]int{"i": i}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	records, err := c.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(records))
	}

	seen := make(map[string]bool)
	for i, r := range records {
		if r.Seq != uint64(i+1) {
			t.Errorf("record %d has seq %d", i, r.Seq)
		}
		if seen[r.Proof.ChainHash] {
			t.Errorf("duplicate chain hash at seq %d", r.Seq)
		}
		seen[r.Proof.ChainHash] = true
	}

	res, err := c.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.RecordsChecked != writers {
		t.Errorf("expected valid chain of %d records, got %+v", writers, res)
	}
}

type flakyStore struct {
	*MemoryStore
	fail bool
}

func (s *flakyStore) Append(ctx context.Context, rec Record) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Append(ctx, rec)
}

func TestAppend_StoreFailureDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), fail: true}
	c := newTestChain(t, store)

	if _, err := c.Append(ctx, "x", "first"); err == nil {
		t.Fatal("expected store error")
	}
	store.fail = false
	if _, err := c.Append(ctx, "x", "second"); err != nil {
		t.Fatal(err)
	}

	records, _ := c.All(ctx)
	if len(records) != 1 || records[0].Seq != 1 {
		t.Fatalf("failed append should not consume a sequence number: %+v", records)
	}
	res, _ := c.Verify(ctx)
	if !res.Valid {
		t.Errorf("chain should be valid after a failed append: %+v", res)
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	if _, err := New(context.Background(), nil, Options{}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(context.Background(), NewMemoryStore(), Options{Algorithm: "md5"}); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name       string
		tamper     func(*Record)
		index      int
		wantSeq    uint64
		wantReason string
	}{
		{"payload edited", func(r *Record) { r.Payload = `{"decision":"allowed"}` }, 1, 2, "payload does not match"},
		{"chain hash replaced", func(r *Record) { r.Proof.ChainHash = strings.Repeat("0", 64) }, 2, 3, "chain hash does not link"},
		{"record hash recomputed", func(r *Record) {
			r.Payload = `{"forged":true}`
			r.Proof.RecordHash, _ = HashRecord(SHA256, r.Payload)
		}, 1, 2, "chain hash does not link"},
		{"sequence gap", func(r *Record) { r.Seq = 7 }, 3, 7, "sequence gap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			c := newTestChain(t, store)
			for i := 0; i < 5; i++ {
				if _, err := c.Append(ctx, "req", map[string]int{"n": i}); err != nil {
					t.Fatal(err)
				}
			}

			store.tamper(tt.index, tt.tamper)

			res, err := c.Verify(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if res.Valid {
				t.Fatal("tampered chain should not verify")
			}
			if res.BrokenAtSeq != tt.wantSeq {
				t.Errorf("BrokenAtSeq = %d, want %d", res.BrokenAtSeq, tt.wantSeq)
			}
			if !strings.Contains(res.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want it to contain %q", res.Reason, tt.wantReason)
			}
		})
	}
}

func TestVerify_Blake2b(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, NewMemoryStore(), Options{Algorithm: BLAKE2b256})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		p, err := c.Append(ctx, "req", i)
		if err != nil {
			t.Fatal(err)
		}
		if p.Algorithm != BLAKE2b256 {
			t.Errorf("proof algorithm = %q", p.Algorithm)
		}
	}
	res, _ := c.Verify(ctx)
	if !res.Valid || res.RecordsChecked != 3 {
		t.Errorf("blake2b chain should verify: %+v", res)
	}
}

func seedQueryChain(t *testing.T, store Store) *Chain {
	t.Helper()
	ctx := context.Background()
	c := newTestChain(t, store)
	for i := 0; i < 10; i++ {
		id := "req-odd"
		if i%2 == 0 {
			id = "req-even"
		}
		if _, err := c.Append(ctx, id, map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func seqs(records []Record) []uint64 {
	out := make([]uint64, len(records))
	for i, r := range records {
		out[i] = r.Seq
	}
	return out
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQuery(t *testing.T) {
	c := seedQueryChain(t, NewMemoryStore())
	runQueryCases(t, c)
}

// runQueryCases expects the ten records written by seedQueryChain. Record i
// has seq i+1, timestamp testStart+i seconds and correlation id req-even for
// even i.
func runQueryCases(t *testing.T, c *Chain) {
	t.Helper()
	tests := []struct {
		name      string
		filter    Filter
		wantSeqs  []uint64
		wantTotal int
		wantLimit int
	}{
		{
			name:      "no filter newest first",
			filter:    Filter{Limit: 3},
			wantSeqs:  []uint64{10, 9, 8},
			wantTotal: 10,
			wantLimit: 3,
		},
		{
			name:      "pagination after filtering",
			filter:    Filter{CorrelationID: "req-even", Limit: 2, Offset: 1},
			wantSeqs:  []uint64{7, 5},
			wantTotal: 5,
			wantLimit: 2,
		},
		{
			name:      "time range start inclusive end exclusive",
			filter:    Filter{Start: testStart.Add(2 * time.Second), End: testStart.Add(5 * time.Second)},
			wantSeqs:  []uint64{5, 4, 3},
			wantTotal: 3,
			wantLimit: DefaultQueryLimit,
		},
		{
			name:      "offset past the end",
			filter:    Filter{Offset: 40},
			wantSeqs:  []uint64{},
			wantTotal: 10,
			wantLimit: DefaultQueryLimit,
		},
		{
			name:      "limit capped",
			filter:    Filter{CorrelationID: "req-odd", Limit: 5000},
			wantSeqs:  []uint64{10, 8, 6, 4, 2},
			wantTotal: 5,
			wantLimit: MaxQueryLimit,
		},
		{
			name:      "unknown correlation id",
			filter:    Filter{CorrelationID: "nope"},
			wantSeqs:  []uint64{},
			wantTotal: 0,
			wantLimit: DefaultQueryLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := c.Query(context.Background(), tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if got := seqs(page.Records); !equalSeqs(got, tt.wantSeqs) {
				t.Errorf("seqs = %v, want %v", got, tt.wantSeqs)
			}
			if page.TotalCount != tt.wantTotal {
				t.Errorf("TotalCount = %d, want %d", page.TotalCount, tt.wantTotal)
			}
			if page.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", page.Limit, tt.wantLimit)
			}
		})
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t, NewMemoryStore())
	c.Append(ctx, "req-1", map[string]string{"decision": "allowed"})
	c.Append(ctx, "req-2", map[string]string{"decision": "blocked"})

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		if err := c.Export(ctx, &buf, "jsonl"); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}
		var rec Record
		if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
			t.Fatal(err)
		}
		if rec.CorrelationID != "req-2" || rec.Seq != 2 {
			t.Errorf("unexpected second record: %+v", rec)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := c.Export(ctx, &buf, "json"); err != nil {
			t.Fatal(err)
		}
		var records []Record
		if err := json.Unmarshal(buf.Bytes(), &records); err != nil {
			t.Fatal(err)
		}
		if len(records) != 2 {
			t.Errorf("expected 2 records, got %d", len(records))
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := c.Export(ctx, &buf, "csv"); err != nil {
			t.Fatal(err)
		}
		rows, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected header plus 2 rows, got %d", len(rows))
		}
		if rows[0][0] != "seq" || rows[2][2] != "req-2" {
			t.Errorf("unexpected csv: %v", rows)
		}
		if rows[1][6] != `{"decision":"allowed"}` {
			t.Errorf("payload column = %q", rows[1][6])
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if err := c.Export(ctx, &bytes.Buffer{}, "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}

func TestWriteRecords_EmptyJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecords(&buf, "json", nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty export should be [], got %q", buf.String())
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t, NewMemoryStore())

	ch, cancel := c.Subscribe(4)
	if _, err := c.Append(ctx, "req-1", "payload"); err != nil {
		t.Fatal(err)
	}

	select {
	case rec := <-ch:
		if rec.Seq != 1 || rec.CorrelationID != "req-1" {
			t.Errorf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the record")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Appending with no subscribers must not block.
	if _, err := c.Append(ctx, "req-2", "payload"); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribe_SlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	c := newTestChain(t, NewMemoryStore())
	ch, cancel := c.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.Append(ctx, "req", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on a full subscriber")
	}
	if rec := <-ch; rec.Seq != 1 {
		t.Errorf("buffered record seq = %d, want 1", rec.Seq)
	}
}

func TestFollow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestChain(t, NewMemoryStore())
	c.Append(ctx, "before", "old")

	got := make(chan Record, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Follow(ctx, 1, 10*time.Millisecond, func(r Record) { got <- r })
	}()

	c.Append(ctx, "after-1", "new")
	c.Append(ctx, "after-2", "new")

	for _, want := range []string{"after-1", "after-2"} {
		select {
		case r := <-got:
			if r.CorrelationID != want {
				t.Errorf("followed %q, want %q", r.CorrelationID, want)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for followed record")
		}
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow returned %v, want context.Canceled", err)
	}
}
