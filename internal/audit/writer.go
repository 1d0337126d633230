package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const (
	// GenesisHash is the predecessor hash of the first record in a chain.
	GenesisHash = "sha256:genesis"

	hashPrefix = "sha256:"
)

// Writer persists audit records. Implementations set the hash chain and
// must not return before the record is durable: an audit failure fails
// the operation.
type Writer interface {
	Write(event *Event) error
	Close() error
	// LastHash returns the hash of the newest record, or GenesisHash.
	LastHash() string
}

// NopWriter discards all records. Used when auditing is disabled.
type NopWriter struct{}

var _ Writer = (*NopWriter)(nil)

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// FileWriter appends JSONL records to a file, chaining hashes. Reopening
// an existing log continues its chain.
type FileWriter struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens (or creates) the audit log at path.
func NewFileWriter(path string) (*FileWriter, error) {
	lastHash := GenesisHash
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		lastHash, err = readLastHash(data)
		if err != nil {
			return nil, fmt.Errorf("reading audit chain tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &FileWriter{file: file, lastHash: lastHash}, nil
}

func readLastHash(data []byte) (string, error) {
	var lastLine []byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			lastLine = append(lastLine[:0], line...)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(lastLine) == 0 {
		return GenesisHash, nil
	}

	var tail struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(lastLine, &tail); err != nil {
		return "", fmt.Errorf("parsing last audit record: %w", err)
	}
	if tail.Hash == "" {
		return "", fmt.Errorf("last audit record has no hash")
	}
	return tail.Hash, nil
}

func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid audit event: %w", err)
	}

	event.HashPrev = w.lastHash
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	event.Hash = chainHash(canonical, w.lastHash)

	line, err := event.JSON()
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}

	w.lastHash = event.Hash
	return nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// chainHash computes SHA-256 over the canonical record plus the previous
// hash.
func chainHash(canonical []byte, prev string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prev))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify walks a JSONL audit log and checks the hash chain. It returns
// the number of valid records and the first inconsistency found.
func Verify(data []byte) (int, error) {
	prev := GenesisHash
	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return count, fmt.Errorf("record %d: %w", count+1, err)
		}
		if event.HashPrev != prev {
			return count, fmt.Errorf("record %d: chain broken", count+1)
		}
		canonical, err := event.CanonicalJSON()
		if err != nil {
			return count, err
		}
		if chainHash(canonical, prev) != event.Hash {
			return count, fmt.Errorf("record %d: hash mismatch", count+1)
		}
		prev = event.Hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, nil
}
