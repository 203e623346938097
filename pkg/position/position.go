// Package position models how far a migration task has read its source.
package position

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// IngestPosition is a resumable cursor into a source, or the inventory
// complete sentinel. Every implementation round-trips through String and
// Parse so it can be stored in a JobProgress.
type IngestPosition interface {
	String() string
}

var ErrInvalidPosition = errors.New("invalid ingest position")

// Finished marks an inventory task as complete.
type Finished struct{}

func (Finished) String() string { return "finished" }

// Placeholder is the position of a task that has not read anything yet.
type Placeholder struct{}

func (Placeholder) String() string { return "" }

// PrimaryKey is a half-open range of an integer primary key. Begin is the
// last key copied; the next batch reads keys strictly greater than Begin.
// End bounds the range when the splitter cut the table into slices.
type PrimaryKey struct {
	Begin int64
	End   int64
}

func (p PrimaryKey) String() string {
	return fmt.Sprintf("i,%d,%d", p.Begin, p.End)
}

// Unbounded reports whether the range has no upper limit.
func (p PrimaryKey) Unbounded() bool {
	return p.End <= 0
}

// UniqueKey resumes a non integer key, holding the last key value copied.
type UniqueKey struct {
	Last string
}

func (p UniqueKey) String() string {
	return "s," + p.Last
}

// Binlog is a MySQL binary log coordinate.
type Binlog struct {
	mysql.Position
	ServerID uint32
}

func (p Binlog) String() string {
	return fmt.Sprintf("%s#%d#%d", p.Name, p.Pos, p.ServerID)
}

// Compare orders two binlog positions.
func (p Binlog) Compare(o Binlog) int {
	return p.Position.Compare(o.Position)
}

// IsFinished is true only for the Finished sentinel.
func IsFinished(p IngestPosition) bool {
	_, ok := p.(Finished)
	return ok
}

// Parse is the inverse of String for every position kind.
func Parse(s string) (IngestPosition, error) {
	switch {
	case s == "":
		return Placeholder{}, nil
	case s == "finished":
		return Finished{}, nil
	case strings.HasPrefix(s, "i,"):
		parts := strings.Split(s, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
		}
		begin, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPosition, s, err)
		}
		end, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPosition, s, err)
		}
		return PrimaryKey{Begin: begin, End: end}, nil
	case strings.HasPrefix(s, "s,"):
		return UniqueKey{Last: strings.TrimPrefix(s, "s,")}, nil
	case strings.Count(s, "#") == 2:
		parts := strings.Split(s, "#")
		pos, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil || parts[0] == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
		}
		serverID, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
		}
		return Binlog{Position: mysql.Position{Name: parts[0], Pos: uint32(pos)}, ServerID: uint32(serverID)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
}
