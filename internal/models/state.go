package models

import (
	"time"

	"github.com/rewired-gh/perfwatch/internal/detector"
	"github.com/rewired-gh/perfwatch/internal/runstats"
)

type FuncState struct {
	FuncID uint64
	Name   string

	Inclusive runstats.RunStats
	Exclusive runstats.RunStats

	UpdatedAt time.Time
}

type FuncResult struct {
	Batch  uint64
	Step   int
	AppID  int
	RankID int

	FuncID   uint64
	FuncName string
	N        int

	Mean   float64
	StdDev float64

	// Scores, Labels and ExecIDs are in exec arrival order.
	Result  *detector.Result
	Scores  []float64
	Labels  []detector.Label
	ExecIDs []string

	DetectedAt time.Time
}
