package models

import (
	"reflect"
	"testing"
)

func TestExecValidate(t *testing.T) {
	tests := []struct {
		name    string
		exec    Exec
		wantErr bool
	}{
		{
			name:    "valid exec",
			exec:    Exec{FuncName: "MPI_Send", Entry: 100, Exit: 150, Exclusive: 20},
			wantErr: false,
		},
		{
			name:    "empty name",
			exec:    Exec{Entry: 100, Exit: 150},
			wantErr: true,
		},
		{
			name:    "exit before entry",
			exec:    Exec{FuncName: "f", Entry: 150, Exit: 100},
			wantErr: true,
		},
		{
			name:    "negative entry",
			exec:    Exec{FuncName: "f", Entry: -1, Exit: 100},
			wantErr: true,
		},
		{
			name:    "exclusive above inclusive",
			exec:    Exec{FuncName: "f", Entry: 0, Exit: 10, Exclusive: 11},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.exec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Exec.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecRuntimes(t *testing.T) {
	leaf := Exec{FuncName: "f", Entry: 10, Exit: 35}
	if leaf.Inclusive() != 25 || leaf.ExclusiveTime() != 25 {
		t.Errorf("leaf runtimes = %v/%v, want 25/25", leaf.Inclusive(), leaf.ExclusiveTime())
	}
	parent := Exec{FuncName: "g", Entry: 10, Exit: 35, Exclusive: 5}
	if parent.ExclusiveTime() != 5 {
		t.Errorf("ExclusiveTime() = %v, want 5", parent.ExclusiveTime())
	}
}

func TestBatchByFunction(t *testing.T) {
	b := Batch{Execs: []Exec{
		{ID: "a", FuncID: 7, FuncName: "f7", Entry: 0, Exit: 1},
		{ID: "b", FuncID: 2, FuncName: "f2", Entry: 0, Exit: 1},
		{ID: "c", FuncID: 7, FuncName: "f7", Entry: 5, Exit: 9},
	}}

	groups, ids := b.ByFunction()
	if want := []uint64{2, 7}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if len(groups[7]) != 2 || groups[7][0].ID != "a" || groups[7][1].ID != "c" {
		t.Errorf("group 7 = %+v, want [a c]", groups[7])
	}

	lo, hi := b.MinMaxTS()
	if lo != 0 || hi != 9 {
		t.Errorf("MinMaxTS() = %d, %d, want 0, 9", lo, hi)
	}
}

func TestBatchValidate(t *testing.T) {
	b := Batch{Step: 1, Execs: []Exec{{FuncName: "f", Entry: 5, Exit: 1}}}
	if err := b.Validate(); err == nil {
		t.Error("expected error for invalid exec")
	}
	b = Batch{Step: -1}
	if err := b.Validate(); err == nil {
		t.Error("expected error for negative step")
	}
}
