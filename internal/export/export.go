// Package export ships per-batch detection results to a visualization
// backend: an HTTP endpoint, a directory of JSON files, or a bbolt file.
package export

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rewired-gh/perfwatch/internal/config"
)

// Message types understood by the visualization backend.
const (
	TypeInfo      = "info"
	TypeLabels    = "labels"
	TypeFunctions = "functions"
	TypeReset     = "reset"
)

// Message is the {"type": ..., "value": ...} envelope. Counter is the batch
// counter the message belongs to and is not part of the payload.
type Message struct {
	Type    string `json:"type"`
	Value   any    `json:"value,omitempty"`
	Counter uint64 `json:"-"`
}

// Info is the value of an info message.
type Info struct {
	Events []Event  `json:"events"`
	FOI    []uint64 `json:"foi"`
	Labels []int    `json:"labels"`
}

// Event is one exec as the visualizer draws it.
type Event struct {
	ID        string  `json:"id"`
	AppID     int     `json:"app"`
	RankID    int     `json:"rank"`
	ThreadID  int     `json:"thread"`
	FuncID    uint64  `json:"fid"`
	Entry     int64   `json:"entry"`
	Exit      int64   `json:"exit"`
	Exclusive float64 `json:"exclusive"`
	Score     float64 `json:"score"`
}

// Exporter delivers messages. Implementations are safe for concurrent use.
type Exporter interface {
	Export(ctx context.Context, msg Message) error
	Close() error
}

// Reset builds the message that tells the backend to drop its state.
func Reset(counter uint64) Message {
	return Message{Type: TypeReset, Counter: counter}
}

// New returns the exporter selected by cfg.Method.
func New(cfg config.ExportConfig) (Exporter, error) {
	switch cfg.Method {
	case "online":
		return NewHTTPExporter(cfg.URL, cfg.Timeout, cfg.MaxRetries, cfg.RetryDelayBase), nil
	case "offline":
		return NewFileExporter(cfg.OutputDir, cfg.Prefix)
	case "bolt":
		return NewBoltExporter(cfg.BoltPath)
	case "none", "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown export method %q", cfg.Method)
	}
}

// Nop discards every message.
type Nop struct{}

func (Nop) Export(context.Context, Message) error { return nil }
func (Nop) Close() error                          { return nil }

// BatchCounter hands out monotonically increasing batch numbers.
type BatchCounter struct {
	n atomic.Uint64
}

// Next returns the next batch number, starting at 1.
func (c *BatchCounter) Next() uint64 {
	return c.n.Add(1)
}

// Current returns the last number handed out.
func (c *BatchCounter) Current() uint64 {
	return c.n.Load()
}

// Restore moves the counter forward to n. It never moves backwards.
func (c *BatchCounter) Restore(n uint64) {
	for {
		cur := c.n.Load()
		if n <= cur || c.n.CompareAndSwap(cur, n) {
			return
		}
	}
}
