package worker

import (
	"fmt"
	"os"

	"github.com/block/reshard/pkg/checksum"
	"gopkg.in/yaml.v3"
)

// TopologyChangeEvent announces that the rules or the data sources of a
// logic database are about to change. Data sources and rules are the
// serialized YAML of the old (source) and new (target) topology.
type TopologyChangeEvent struct {
	DatabaseName      string `yaml:"database_name"`
	SourceDataSources string `yaml:"source_data_sources"`
	SourceRules       string `yaml:"source_rules"`
	TargetDataSources string `yaml:"target_data_sources"`
	TargetRules       string `yaml:"target_rules"`
}

// LoadEvent reads an event from a YAML file.
func LoadEvent(path string) (*TopologyChangeEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event file: %w", err)
	}
	var event TopologyChangeEvent
	if err := yaml.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to parse event file: %w", err)
	}
	return &event, nil
}

// CutoverReadyEvent is emitted once a job is caught up, source writes are
// paused and the consistency check ran. Cutover itself is up to the
// receiver, which confirms it with JobAPI.Finish.
type CutoverReadyEvent struct {
	JobID        string
	DatabaseName string
	Results      []*checksum.Result
	Consistent   bool
}
