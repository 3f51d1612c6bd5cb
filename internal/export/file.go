package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileExporter writes each message to <dir>/<prefix><type>.<counter>.json.
// Reset messages go to <dir>/<prefix>reset.json.
type FileExporter struct {
	dir    string
	prefix string
}

func NewFileExporter(dir, prefix string) (*FileExporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileExporter{dir: dir, prefix: prefix}, nil
}

// Path returns the file a message is written to.
func (e *FileExporter) Path(msg Message) string {
	if msg.Type == TypeReset {
		return filepath.Join(e.dir, e.prefix+"reset.json")
	}
	return filepath.Join(e.dir, fmt.Sprintf("%s%s.%d.json", e.prefix, msg.Type, msg.Counter))
}

func (e *FileExporter) Export(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	path := e.Path(msg)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

func (e *FileExporter) Close() error { return nil }
