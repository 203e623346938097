package config

import "strconv"

const (
	DefaultWorkerThread   = 40
	DefaultBatchSize      = 1000
	DefaultBlockQueueSize = 10000
	DefaultIdleThreshold  = 30

	StreamChannelMemory = "MEMORY"
	CompletionIdle      = "IDLE"
	ConsistencyCRC32    = "CRC32_MATCH"
	LockDefault         = "DEFAULT"

	PropBlockQueueSize = "block-queue-size"
	PropIdleThreshold  = "incremental-task-idle-minute-threshold"
)

// InputConfiguration tunes the reading side.
type InputConfiguration struct {
	WorkerThread int                     `yaml:"worker_thread,omitempty"`
	BatchSize    int                     `yaml:"batch_size,omitempty"`
	RateLimiter  *AlgorithmConfiguration `yaml:"rate_limiter,omitempty"`
}

// OutputConfiguration tunes the writing side.
type OutputConfiguration struct {
	WorkerThread int                     `yaml:"worker_thread,omitempty"`
	BatchSize    int                     `yaml:"batch_size,omitempty"`
	RateLimiter  *AlgorithmConfiguration `yaml:"rate_limiter,omitempty"`
}

// OnRuleAlteredActionConfiguration selects the algorithms a job runs with.
type OnRuleAlteredActionConfiguration struct {
	Input                  InputConfiguration      `yaml:"input"`
	Output                 OutputConfiguration     `yaml:"output"`
	StreamChannel          *AlgorithmConfiguration `yaml:"stream_channel,omitempty"`
	CompletionDetector     *AlgorithmConfiguration `yaml:"completion_detector,omitempty"`
	DataConsistencyChecker *AlgorithmConfiguration `yaml:"data_consistency_checker,omitempty"`
	SourceWritingStopper   *AlgorithmConfiguration `yaml:"source_writing_stopper,omitempty"`
	RuleLock               *AlgorithmConfiguration `yaml:"rule_lock,omitempty"`
}

// ApplyDefaults fills every unset field.
func (c *OnRuleAlteredActionConfiguration) ApplyDefaults() {
	if c.Input.WorkerThread <= 0 {
		c.Input.WorkerThread = DefaultWorkerThread
	}
	if c.Input.BatchSize <= 0 {
		c.Input.BatchSize = DefaultBatchSize
	}
	if c.Output.WorkerThread <= 0 {
		c.Output.WorkerThread = DefaultWorkerThread
	}
	if c.Output.BatchSize <= 0 {
		c.Output.BatchSize = DefaultBatchSize
	}
	if c.StreamChannel == nil {
		c.StreamChannel = &AlgorithmConfiguration{
			Type:  StreamChannelMemory,
			Props: map[string]string{PropBlockQueueSize: strconv.Itoa(DefaultBlockQueueSize)},
		}
	}
	if c.CompletionDetector == nil {
		c.CompletionDetector = &AlgorithmConfiguration{
			Type:  CompletionIdle,
			Props: map[string]string{PropIdleThreshold: strconv.Itoa(DefaultIdleThreshold)},
		}
	}
	if c.DataConsistencyChecker == nil {
		c.DataConsistencyChecker = &AlgorithmConfiguration{Type: ConsistencyCRC32}
	}
	if c.SourceWritingStopper == nil {
		c.SourceWritingStopper = &AlgorithmConfiguration{Type: LockDefault}
	}
	if c.RuleLock == nil {
		c.RuleLock = &AlgorithmConfiguration{Type: LockDefault}
	}
}

// BlockQueueSize is the capacity of a memory stream channel.
func (c *OnRuleAlteredActionConfiguration) BlockQueueSize() int {
	n, err := strconv.Atoi(c.StreamChannel.Prop(PropBlockQueueSize, ""))
	if err != nil || n <= 0 {
		return DefaultBlockQueueSize
	}
	return n
}
