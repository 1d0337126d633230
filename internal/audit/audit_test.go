package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileWriterChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	if w.LastHash() != GenesisHash {
		t.Errorf("LastHash() = %q before any write", w.LastHash())
	}

	first := NewEvent(EventEnroll, ResultSuccess)
	first.CA = "issuing1"
	first.Requestor = "ops"
	first.TransactionID = "tx1"
	if err := w.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if first.HashPrev != GenesisHash {
		t.Errorf("first HashPrev = %q", first.HashPrev)
	}
	if !strings.HasPrefix(first.Hash, "sha256:") {
		t.Errorf("first Hash = %q", first.Hash)
	}

	second := NewEvent(EventCertRevoked, ResultSuccess)
	second.CA = "issuing1"
	second.Serial = "0badc0de"
	second.Reason = "keyCompromise"
	if err := w.Write(second); err != nil {
		t.Fatal(err)
	}
	if second.HashPrev != first.Hash {
		t.Error("chain not linked")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	n, err := Verify(data)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Verify() = %d records, want 2", n)
	}
}

func TestFileWriterResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	w1, err := NewFileWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	e1 := NewEvent(EventEnroll, ResultSuccess)
	if err := w1.Write(e1); err != nil {
		t.Fatal(err)
	}
	w1.Close()

	w2, err := NewFileWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	if w2.LastHash() != e1.Hash {
		t.Errorf("reopened LastHash() = %q, want %q", w2.LastHash(), e1.Hash)
	}
	e2 := NewEvent(EventCRLGenerated, ResultSuccess)
	if err := w2.Write(e2); err != nil {
		t.Fatal(err)
	}
	if e2.HashPrev != e1.Hash {
		t.Error("chain not resumed across reopen")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := w.Write(NewEvent(EventEnroll, ResultSuccess)); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"result":"success"`, `"result":"failure"`, 1)
	if tampered == string(data) {
		t.Fatal("substitution did not apply")
	}
	if _, err := Verify([]byte(tampered)); err == nil {
		t.Error("Verify() accepted a tampered log")
	}

	// Dropping the middle record breaks the chain too.
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	truncated := lines[0] + "\n" + lines[2] + "\n"
	if _, err := Verify([]byte(truncated)); err == nil {
		t.Error("Verify() accepted a log with a removed record")
	}
}

func TestWriteRejectsInvalidEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Write(&Event{Result: ResultSuccess}); err == nil {
		t.Error("event without a type accepted")
	}
}

func TestNopWriter(t *testing.T) {
	var w NopWriter
	if err := w.Write(NewEvent(EventEnroll, ResultSuccess)); err != nil {
		t.Fatal(err)
	}
	if w.LastHash() != GenesisHash {
		t.Error("NopWriter should stay at genesis")
	}
}
