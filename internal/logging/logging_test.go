package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", false, &buf)

	log.Info("should be filtered out")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}

	log.Warn("should appear")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["msg"] != "should appear" {
		t.Fatalf("msg = %v, want %q", entry["msg"], "should appear")
	}
}

func TestNew_VerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New("error", true, &buf)

	log.Debug("debug line")
	if !strings.Contains(buf.String(), "debug line") {
		t.Fatalf("expected verbose=true to force debug level through, got %q", buf.String())
	}
}

func TestNew_UnrecognizedLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New("not-a-level", false, &buf)

	log.Debug("should be filtered")
	log.Info("should appear")
	if strings.Contains(buf.String(), "should be filtered") {
		t.Fatal("expected debug to be filtered at the info fallback level")
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatal("expected info to pass through the fallback level")
	}
}

func TestWithNodeAndWithOp_AttachFields(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	WithOp(WithNode(log, "node-1"), "StartProvisioning").Info("provisioning")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["node_id"] != "node-1" || entry["operation"] != "StartProvisioning" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestOpenSink_DashAndEmptyMeanStderr(t *testing.T) {
	for _, path := range []string{"", "-"} {
		w, closeFn, err := OpenSink(path)
		if err != nil {
			t.Fatalf("OpenSink(%q): %v", path, err)
		}
		if w != os.Stderr {
			t.Fatalf("OpenSink(%q) writer = %v, want os.Stderr", path, w)
		}
		closeFn()
	}
}

func TestOpenSink_OpensAppendOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	w, closeFn, err := OpenSink(path)
	if err != nil {
		t.Fatalf("OpenSink: %v", err)
	}
	defer closeFn()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	closeFn()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal file: %v", err)
	}
	if string(b) != "hello\n" {
		t.Fatalf("journal contents = %q", b)
	}
}
