package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"

	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/table"
	"github.com/block/reshard/pkg/utils"
)

// KeySlices cuts the integer primary key of one table into count ranges,
// shared by the inventory dumpers of its slices. The ranges are resolved
// by the first dumper that asks, from the key's current MIN and MAX.
type KeySlices struct {
	sync.Mutex
	count    int
	resolved bool
	ranges   []position.PrimaryKey
}

func NewKeySlices(count int) *KeySlices {
	return &KeySlices{count: count}
}

// Count is the number of slices the table is cut into.
func (s *KeySlices) Count() int {
	return s.count
}

// Range returns the start position of slice i. ok is false when the key
// cannot be cut; slice 0 then copies the whole table and the other slices
// have nothing to copy.
func (s *KeySlices) Range(ctx context.Context, db *sql.DB, tbl *table.TableInfo, i int) (position.PrimaryKey, bool, error) {
	s.Lock()
	defer s.Unlock()
	if !s.resolved {
		ranges, err := s.resolve(ctx, db, tbl)
		if err != nil {
			return position.PrimaryKey{}, false, err
		}
		s.ranges, s.resolved = ranges, true
	}
	if i < 0 || i >= len(s.ranges) {
		return position.PrimaryKey{}, false, nil
	}
	return s.ranges[i], true, nil
}

func (s *KeySlices) resolve(ctx context.Context, db *sql.DB, tbl *table.TableInfo) ([]position.PrimaryKey, error) {
	if s.count <= 1 || !tbl.IntegerKey() {
		return nil, nil
	}
	key := utils.QuoteIdentifier(tbl.KeyColumns[0])
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", key, key, utils.QuoteIdentifier(tbl.TableName))
	var lo, hi sql.NullInt64
	if err := db.QueryRowContext(ctx, query).Scan(&lo, &hi); err != nil {
		return nil, fmt.Errorf("key bounds of %s: %w", tbl.TableName, err)
	}
	if !lo.Valid || !hi.Valid {
		return nil, nil
	}
	return SplitKeyRange(lo.Int64, hi.Int64, s.count), nil
}

// SplitKeyRange cuts the keys [lo, hi] into count contiguous ranges. The
// last range is unbounded so rows inserted past hi are still copied. It
// returns nil when the range cannot be cut: a key below 1 would collide
// with the unbounded End of PrimaryKey.
func SplitKeyRange(lo, hi int64, count int) []position.PrimaryKey {
	if count <= 1 || lo < 1 || hi < lo || hi > math.MaxInt64-int64(count) {
		return nil
	}
	span := hi - lo + 1
	step := span / int64(count)
	if span%int64(count) != 0 {
		step++
	}
	ranges := make([]position.PrimaryKey, count)
	for i := range ranges {
		begin := lo - 1 + int64(i)*step
		if begin > hi {
			begin = hi
		}
		ranges[i].Begin = begin
		if i < count-1 {
			ranges[i].End = min(begin+step, hi)
		}
	}
	return ranges
}
