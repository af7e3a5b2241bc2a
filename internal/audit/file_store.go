package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// maxLineBytes bounds one JSONL record. Prompts are length-limited by the
// firewall, so a record never comes close.
const maxLineBytes = 8 * 1024 * 1024

// FileStore keeps records in daily JSONL files:
//
//	~/.promptgate/audit/
//	├── 2026-10-18.jsonl
//	└── 2026-10-19.jsonl
//
// Files are named after the UTC date of the records they hold and are only
// ever appended to. Every write is fsynced before Append returns. A write
// that fails is truncated away, so the file never holds a record the chain
// did not accept.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	file     *os.File // currently open daily file
	fileDate string   // YYYY-MM-DD of the open file
	broken   error    // set when a failed write could not be rolled back

	sync func(*os.File) error
}

// OpenFileStore opens or creates a file store in dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, sync: (*os.File).Sync}, nil
}

// Dir returns the directory holding the JSONL files.
func (s *FileStore) Dir() string { return s.dir }

// Append writes rec as one JSON line to the file for its date.
func (s *FileStore) Append(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return fmt.Errorf("audit file store unusable until restart: %w", s.broken)
	}

	date := rec.Timestamp.UTC().Format("2006-01-02")
	if s.file == nil || s.fileDate != date {
		if s.file != nil {
			s.file.Close()
		}
		path := filepath.Join(s.dir, date+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.file = nil
			return fmt.Errorf("opening audit file %s: %w", path, err)
		}
		s.file = f
		s.fileDate = date
	}

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("reading audit file size: %w", err)
	}
	offset := info.Size()

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return s.rollback(offset, fmt.Errorf("writing audit record: %w", err))
	}
	// Records must survive a crash once Append returns.
	if err := s.sync(s.file); err != nil {
		return s.rollback(offset, fmt.Errorf("syncing audit file: %w", err))
	}
	return nil
}

// rollback truncates the open file to offset after a failed append. If the
// partial line cannot be removed the store refuses further appends, since
// the next record would follow a line the chain never accepted.
func (s *FileStore) rollback(offset int64, cause error) error {
	if err := s.file.Truncate(offset); err != nil {
		s.broken = errors.Join(cause, fmt.Errorf("truncating audit file: %w", err))
		return s.broken
	}
	return cause
}

// Latest returns the last record of the most recent file.
func (s *FileStore) Latest(_ context.Context) (Record, bool, error) {
	files, err := s.files()
	if err != nil {
		return Record{}, false, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		rec, ok, err := readLastRecord(files[i])
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// Scan reads every file in date order.
func (s *FileStore) Scan(ctx context.Context, fn ScanFunc) error {
	files, err := s.files()
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scanFile(file, fn); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the open daily file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileStore) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func scanFile(path string, fn ScanFunc) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			derr := &DecodeError{Location: fmt.Sprintf("%s:%d", filepath.Base(path), line), Err: err}
			if err := fn(Record{}, derr); err != nil {
				return err
			}
			continue
		}
		if err := fn(rec, nil); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// readLastRecord returns the last non-empty line of a JSONL file.
// A malformed last line is an error: the chain cannot safely continue
// from an unknown predecessor.
func readLastRecord(path string) (Record, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, false, err
	}
	defer f.Close()

	var last []byte
	lastLine := 0
	reader := bufio.NewReader(f)
	for n := 1; ; n++ {
		raw, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
			last = append(last[:0], trimmed...)
			lastLine = n
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Record{}, false, err
		}
	}
	if last == nil {
		return Record{}, false, nil
	}

	var rec Record
	if err := json.Unmarshal(last, &rec); err != nil {
		return Record{}, false, &DecodeError{Location: fmt.Sprintf("%s:%d", filepath.Base(path), lastLine), Err: err}
	}
	return rec, true, nil
}
