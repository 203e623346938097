// Package ingest moves rows from a source to a target: dumpers read the
// source and push records into a channel, importers fetch them, write them
// to the target and acknowledge them so the task position can advance.
package ingest

import (
	"fmt"
	"time"

	"github.com/block/reshard/pkg/position"
)

// RecordType is the kind of change a DataRecord carries.
type RecordType int

const (
	Insert RecordType = iota
	Update
	Delete
)

func (t RecordType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	}
	return fmt.Sprintf("RecordType(%d)", int(t))
}

// Record is anything that travels through a Channel.
type Record interface {
	Position() position.IngestPosition
}

// Column is one column of a row change. For an update OldValue holds the
// before image and Updated reports whether the value changed.
type Column struct {
	Name       string
	Value      any
	OldValue   any
	Updated    bool
	PrimaryKey bool
}

// DataRecord is a row read from the source.
type DataRecord struct {
	Type        RecordType
	LogicTable  string
	ActualTable string
	Columns     []Column
	// CommitTime is the source commit time of an incremental change.
	CommitTime time.Time
	Pos        position.IngestPosition
}

func (r *DataRecord) Position() position.IngestPosition { return r.Pos }

// Column returns the named column.
func (r *DataRecord) Column(name string) (Column, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKeyChanged is true for an update that modified a key column.
func (r *DataRecord) PrimaryKeyChanged() bool {
	if r.Type != Update {
		return false
	}
	for _, c := range r.Columns {
		if c.PrimaryKey && c.Updated {
			return true
		}
	}
	return false
}

// FinishedRecord ends an inventory stream.
type FinishedRecord struct {
	Pos position.IngestPosition
}

func (r *FinishedRecord) Position() position.IngestPosition {
	if r.Pos == nil {
		return position.Finished{}
	}
	return r.Pos
}

// PlaceholderRecord carries a position without a change, so a quiet
// source still advances the checkpoint.
type PlaceholderRecord struct {
	Pos position.IngestPosition
}

func (r *PlaceholderRecord) Position() position.IngestPosition { return r.Pos }
