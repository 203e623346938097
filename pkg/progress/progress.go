// Package progress is the per job-shard checkpoint that lets a migration
// resume after a restart, and the pure detectors evaluated over it.
package progress

import (
	"fmt"
	"sort"
	"time"

	"github.com/block/reshard/pkg/position"
	"github.com/block/reshard/pkg/status"
	"gopkg.in/yaml.v3"
)

// TaskProgress is what every pipeline task reports.
type TaskProgress interface {
	Position() position.IngestPosition
}

// InventoryTaskProgress is the cursor of one inventory task.
type InventoryTaskProgress struct {
	position position.IngestPosition
}

func NewInventoryTaskProgress(p position.IngestPosition) *InventoryTaskProgress {
	if p == nil {
		p = position.Placeholder{}
	}
	return &InventoryTaskProgress{position: p}
}

func (p *InventoryTaskProgress) Position() position.IngestPosition {
	return p.position
}

// Delay tracks how recently an incremental task saw a change.
type Delay struct {
	// LastEventTimestamp is the source commit time of the last applied event.
	LastEventTimestamp time.Time
	// LatestActiveTime is when the task last applied a data change.
	LatestActiveTime time.Time
}

// IncrementalTaskProgress is the cursor and liveness of one incremental task.
type IncrementalTaskProgress struct {
	position position.IngestPosition
	Delay    Delay
}

func NewIncrementalTaskProgress(p position.IngestPosition, delay Delay) *IncrementalTaskProgress {
	if p == nil {
		p = position.Placeholder{}
	}
	return &IncrementalTaskProgress{position: p, Delay: delay}
}

func (p *IncrementalTaskProgress) Position() position.IngestPosition {
	return p.position
}

// IdleMinutes is the whole number of minutes since the task last applied a
// change. Without a recorded active time the task is not considered idle.
func (p *IncrementalTaskProgress) IdleMinutes(now time.Time) int64 {
	active := p.Delay.LatestActiveTime
	if active.IsZero() {
		return 0
	}
	if now.Before(active) {
		return 0
	}
	return int64(now.Sub(active) / time.Minute)
}

// JobProgress is the checkpoint of one (job, sharding item).
type JobProgress struct {
	Status             status.JobStatus
	SourceDatabaseType string
	// Incremental is keyed by source data source name.
	Incremental map[string]*IncrementalTaskProgress
	// Inventory is keyed by inventory task id.
	Inventory map[string]*InventoryTaskProgress
}

// InventoryPosition returns the persisted position of an inventory task.
func (p *JobProgress) InventoryPosition(taskID string) (position.IngestPosition, bool) {
	if p == nil {
		return nil, false
	}
	inv, ok := p.Inventory[taskID]
	if !ok {
		return nil, false
	}
	return inv.Position(), true
}

// IncrementalPosition returns the persisted position for a data source,
// ignoring placeholders.
func (p *JobProgress) IncrementalPosition(dataSourceName string) (position.IngestPosition, bool) {
	if p == nil {
		return nil, false
	}
	inc, ok := p.Incremental[dataSourceName]
	if !ok {
		return nil, false
	}
	if _, isPlaceholder := inc.Position().(position.Placeholder); isPlaceholder {
		return nil, false
	}
	return inc.Position(), true
}

type yamlDelay struct {
	LastEventTimestamp int64 `yaml:"lastEventTimestamps"`
	LatestActiveTime   int64 `yaml:"latestActiveTimeMillis"`
}

type yamlIncremental struct {
	Position string    `yaml:"position"`
	Delay    yamlDelay `yaml:"delay"`
}

type yamlJobProgress struct {
	Status             string                     `yaml:"status"`
	SourceDatabaseType string                     `yaml:"sourceDatabaseType"`
	Incremental        map[string]yamlIncremental `yaml:"incremental,omitempty"`
	Inventory          map[string]string          `yaml:"inventory,omitempty"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Marshal encodes a JobProgress as YAML.
func Marshal(p *JobProgress) ([]byte, error) {
	y := yamlJobProgress{
		Status:             p.Status.String(),
		SourceDatabaseType: p.SourceDatabaseType,
	}
	if len(p.Incremental) > 0 {
		y.Incremental = make(map[string]yamlIncremental, len(p.Incremental))
		for name, inc := range p.Incremental {
			y.Incremental[name] = yamlIncremental{
				Position: inc.Position().String(),
				Delay: yamlDelay{
					LastEventTimestamp: millis(inc.Delay.LastEventTimestamp),
					LatestActiveTime:   millis(inc.Delay.LatestActiveTime),
				},
			}
		}
	}
	if len(p.Inventory) > 0 {
		y.Inventory = make(map[string]string, len(p.Inventory))
		for id, inv := range p.Inventory {
			y.Inventory[id] = inv.Position().String()
		}
	}
	return yaml.Marshal(&y)
}

// Unmarshal decodes a JobProgress from YAML.
func Unmarshal(data []byte) (*JobProgress, error) {
	var y yamlJobProgress
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, err
	}
	st, err := status.ParseJobStatus(y.Status)
	if err != nil {
		return nil, err
	}
	p := &JobProgress{
		Status:             st,
		SourceDatabaseType: y.SourceDatabaseType,
		Incremental:        make(map[string]*IncrementalTaskProgress, len(y.Incremental)),
		Inventory:          make(map[string]*InventoryTaskProgress, len(y.Inventory)),
	}
	for name, inc := range y.Incremental {
		pos, err := position.Parse(inc.Position)
		if err != nil {
			return nil, fmt.Errorf("incremental %s: %w", name, err)
		}
		p.Incremental[name] = NewIncrementalTaskProgress(pos, Delay{
			LastEventTimestamp: fromMillis(inc.Delay.LastEventTimestamp),
			LatestActiveTime:   fromMillis(inc.Delay.LatestActiveTime),
		})
	}
	for id, s := range y.Inventory {
		pos, err := position.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("inventory %s: %w", id, err)
		}
		p.Inventory[id] = NewInventoryTaskProgress(pos)
	}
	return p, nil
}

// InventoryTaskIDs returns the inventory task ids in a stable order.
func (p *JobProgress) InventoryTaskIDs() []string {
	ids := make([]string, 0, len(p.Inventory))
	for id := range p.Inventory {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InventoryProgresses returns the inventory task progresses ordered by task id.
func (p *JobProgress) InventoryProgresses() []TaskProgress {
	if p == nil {
		return nil
	}
	result := make([]TaskProgress, 0, len(p.Inventory))
	for _, id := range p.InventoryTaskIDs() {
		result = append(result, p.Inventory[id])
	}
	return result
}
