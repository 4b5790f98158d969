// Package audit provides the append-only, hash-chained decision log.
// Every admission decision and execution event lands here; each entry's
// hash covers its own payload plus the previous entry's hash, so a
// single-byte tamper anywhere breaks the chain from that point forward.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ZeroSentinel roots a fresh chain: 64 hex zeros.
const ZeroSentinel = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one audit payload. Keys "prev" and "hash" are reserved for
// the chain fields and must not appear in the payload.
type Record map[string]any

// Logger appends hash-chained JSON lines to a single file. One logical
// session owns one Logger; it is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// Open creates or resumes the audit log at path. When the file already
// exists, only its final line is read to recover the chain head; an
// empty or unreadable tail falls back to the zero sentinel, starting a
// fresh sub-chain.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
	}

	prev := ZeroSentinel
	if tail, err := lastLine(path); err == nil && tail != "" {
		var entry map[string]any
		if json.Unmarshal([]byte(tail), &entry) == nil {
			if h, ok := entry["hash"].(string); ok && len(h) == 64 {
				prev = h
			}
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{file: file, prevHash: prev}, nil
}

// Log hashes the record over its canonical serialization concatenated
// with the previous hash, appends the chained entry, and syncs it to
// stable storage before returning.
func (l *Logger) Log(record Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	hash := chainHash(payload, l.prevHash)

	entry := make(map[string]any, len(record)+2)
	for k, v := range record {
		entry[k] = v
	}
	entry["prev"] = l.prevHash
	entry["hash"] = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	// One synchronous flush per record: a crash right after Log returns
	// must never lose the chain head.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}

	l.prevHash = hash
	return nil
}

// Head returns the current chain head hash.
func (l *Logger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prevHash
}

// Close syncs and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

func chainHash(payload []byte, prev string) string {
	sum := sha256.Sum256(append(payload, prev...))
	return hex.EncodeToString(sum[:])
}

// lastLine reads only the tail of the file at path: it seeks backwards
// from the end rather than scanning the whole log.
func lastLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	if size == 0 {
		return "", nil
	}

	const chunk = 64 * 1024
	var (
		buf    []byte
		offset = size
	)
	for offset > 0 {
		step := int64(chunk)
		if offset < step {
			step = offset
		}
		offset -= step
		head := make([]byte, step)
		if _, err := f.ReadAt(head, offset); err != nil {
			return "", err
		}
		buf = append(head, buf...)
		if line := finalLine(buf); line != "" {
			return line, nil
		}
	}
	return finalLine(buf), nil
}

func finalLine(buf []byte) string {
	// Drop trailing newlines, then take everything after the last one.
	end := len(buf)
	for end > 0 && (buf[end-1] == '\n' || buf[end-1] == '\r') {
		end--
	}
	if end == 0 {
		return ""
	}
	start := 0
	for i := end - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			start = i + 1
			break
		}
	}
	return string(buf[start:end])
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Records  int
	Intact   bool
	BadLine  int    // 1-based line of the first mismatch, 0 if intact
	Problem  string // human-readable description of the first mismatch
	HeadHash string
}

// VerifyFile recomputes the hash chain across the whole log file.
// Any edited, truncated, or reordered line surfaces as a mismatch at the
// first record whose recomputed hash or prev link disagrees.
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &VerifyResult{Intact: true, HeadHash: ZeroSentinel}
	prev := ZeroSentinel

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			return fail(result, lineNo, fmt.Sprintf("unparseable entry: %v", err)), nil
		}
		storedPrev, _ := entry["prev"].(string)
		storedHash, _ := entry["hash"].(string)
		if storedPrev != prev {
			return fail(result, lineNo, fmt.Sprintf("prev link %s does not match chain head %s", storedPrev, prev)), nil
		}

		delete(entry, "prev")
		delete(entry, "hash")
		payload, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("remarshal line %d: %w", lineNo, err)
		}
		if computed := chainHash(payload, prev); computed != storedHash {
			return fail(result, lineNo, fmt.Sprintf("stored hash %s, recomputed %s", storedHash, computed)), nil
		}

		prev = storedHash
		result.Records++
		result.HeadHash = prev
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return result, nil
}

func fail(r *VerifyResult, line int, problem string) *VerifyResult {
	r.Intact = false
	r.BadLine = line
	r.Problem = problem
	return r
}
