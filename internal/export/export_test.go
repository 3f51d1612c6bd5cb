package export

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/perfwatch/internal/config"
)

func sampleInfo(counter uint64) Message {
	return Message{
		Type:    TypeInfo,
		Counter: counter,
		Value: Info{
			Events: []Event{{ID: "e1", FuncID: 3, Entry: 10, Exit: 40, Score: 2.5}},
			FOI:    []uint64{3},
			Labels: []int{-1},
		},
	}
}

func TestHTTPExporter_PostsEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body is not JSON: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := NewHTTPExporter(srv.URL, time.Second, 3, time.Millisecond)
	defer e.Close()
	if err := e.Export(context.Background(), sampleInfo(4)); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got["type"] != "info" {
		t.Errorf("type = %v, want info", got["type"])
	}
	value, ok := got["value"].(map[string]any)
	if !ok {
		t.Fatalf("value = %T, want object", got["value"])
	}
	if _, ok := value["events"]; !ok {
		t.Error("value is missing events")
	}
}

func TestHTTPExporter_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExporter(srv.URL, time.Second, 3, time.Millisecond)
	if err := e.Export(context.Background(), Reset(1)); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPExporter_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPExporter(srv.URL, time.Second, 2, time.Millisecond)
	if err := e.Export(context.Background(), Reset(1)); err == nil {
		t.Fatal("expected error after retries")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPExporter_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewHTTPExporter(srv.URL, time.Second, 3, time.Millisecond)
	if err := e.Export(context.Background(), Reset(1)); err == nil {
		t.Fatal("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPExporter_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewHTTPExporter(srv.URL, time.Second, 5, time.Hour)
	if err := e.Export(ctx, Reset(1)); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFileExporter_Layout(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileExporter(dir, "run1.")
	if err != nil {
		t.Fatalf("NewFileExporter: %v", err)
	}

	if err := e.Export(context.Background(), sampleInfo(12)); err != nil {
		t.Fatalf("Export info: %v", err)
	}
	if err := e.Export(context.Background(), Message{Type: TypeFunctions, Counter: 12, Value: map[string]string{"3": "solve"}}); err != nil {
		t.Fatalf("Export functions: %v", err)
	}
	if err := e.Export(context.Background(), Reset(99)); err != nil {
		t.Fatalf("Export reset: %v", err)
	}

	for _, name := range []string{"run1.info.12.json", "run1.functions.12.json", "run1.reset.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "run1.reset.json"))
	if err != nil {
		t.Fatalf("read reset: %v", err)
	}
	if string(data) != `{"type":"reset"}` {
		t.Errorf("reset file = %s", data)
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestFileExporter_EmptyDir(t *testing.T) {
	if _, err := NewFileExporter("", ""); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestBoltExporter_StoresByCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.db")
	e, err := NewBoltExporter(path)
	if err != nil {
		t.Fatalf("NewBoltExporter: %v", err)
	}
	defer e.Close()

	for _, n := range []uint64{1, 2, 300} {
		if err := e.Export(context.Background(), sampleInfo(n)); err != nil {
			t.Fatalf("Export %d: %v", n, err)
		}
	}
	if err := e.Export(context.Background(), Message{Type: "bogus", Counter: 1}); err == nil {
		t.Error("expected error for unknown type")
	}

	msgs, err := e.Messages(TypeInfo, 2)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Counter != 300 || msgs[1].Counter != 2 {
		t.Errorf("counters = %d, %d, want 300, 2", msgs[0].Counter, msgs[1].Counter)
	}
	if msgs[0].Type != TypeInfo {
		t.Errorf("type = %s", msgs[0].Type)
	}

	all, err := e.Messages(TypeInfo, 0)
	if err != nil || len(all) != 3 {
		t.Errorf("Messages(all) = %d, %v", len(all), err)
	}
}

func TestNewSelectsByMethod(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.ExportConfig
		check   func(Exporter) bool
		wantErr bool
	}{
		{"online", config.ExportConfig{Method: "online", URL: "http://localhost:1"}, func(e Exporter) bool { _, ok := e.(*HTTPExporter); return ok }, false},
		{"offline", config.ExportConfig{Method: "offline", OutputDir: dir}, func(e Exporter) bool { _, ok := e.(*FileExporter); return ok }, false},
		{"bolt", config.ExportConfig{Method: "bolt", BoltPath: filepath.Join(dir, "x.db")}, func(e Exporter) bool { _, ok := e.(*BoltExporter); return ok }, false},
		{"none", config.ExportConfig{Method: "none"}, func(e Exporter) bool { _, ok := e.(Nop); return ok }, false},
		{"unknown", config.ExportConfig{Method: "carrier-pigeon"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer e.Close()
			if !tt.check(e) {
				t.Errorf("New() returned %T", e)
			}
		})
	}
}

func TestBatchCounter(t *testing.T) {
	var c BatchCounter
	if c.Next() != 1 || c.Next() != 2 {
		t.Fatal("counter should start at 1 and increase by 1")
	}
	c.Restore(10)
	if c.Current() != 10 {
		t.Errorf("Current = %d, want 10", c.Current())
	}
	c.Restore(3)
	if c.Current() != 10 {
		t.Errorf("Restore must not move backwards, got %d", c.Current())
	}

	var wg sync.WaitGroup
	seen := make([]uint64, 100)
	for i := range seen {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = c.Next()
		}(i)
	}
	wg.Wait()
	unique := make(map[uint64]bool)
	for _, n := range seen {
		unique[n] = true
	}
	if len(unique) != 100 || c.Current() != 110 {
		t.Errorf("unique = %d, current = %d", len(unique), c.Current())
	}
}
