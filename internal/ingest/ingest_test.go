package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "batch.yaml", `
step: 4
app: 1
rank: 7
execs:
  - id: a1
    app: 1
    rank: 7
    thread: 0
    fid: 12
    name: MPI_Allreduce
    entry: 1000
    exit: 1450
  - id: a2
    app: 1
    rank: 7
    thread: 1
    fid: 3
    name: compute
    entry: 900
    exit: 2000
    exclusive: 650
`)
	b, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if b.Step != 4 || b.AppID != 1 || b.RankID != 7 || len(b.Execs) != 2 {
		t.Fatalf("unexpected batch %+v", b)
	}
	if b.Execs[0].Inclusive() != 450 {
		t.Errorf("inclusive = %v, want 450", b.Execs[0].Inclusive())
	}
	if b.Execs[1].ExclusiveTime() != 650 {
		t.Errorf("exclusive = %v, want 650", b.Execs[1].ExclusiveTime())
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, "batch.JSON", `{
		"step": 0, "app": 0, "rank": 0,
		"execs": [{"id": "x", "fid": 1, "name": "main", "entry": 0, "exit": 10}]
	}`)
	b, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(b.Execs) != 1 || b.Execs[0].FuncName != "main" {
		t.Errorf("unexpected batch %+v", b)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown extension", "batch.txt", "step: 1"},
		{"malformed yaml", "batch.yaml", "step: [1"},
		{"unknown yaml field", "batch.yml", "step: 1\nbogus: true"},
		{"unknown json field", "batch.json", `{"step": 1, "bogus": true}`},
		{"invalid exec", "batch.json", `{"execs": [{"name": "f", "entry": 10, "exit": 5}]}`},
		{"negative step", "batch.yaml", "step: -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFile(writeFile(t, tt.file, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
