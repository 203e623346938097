package algorithm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/block/reshard/pkg/checksum"
	"github.com/block/reshard/pkg/config"
)

const PropConcurrency = "concurrency"

// ConsistencyChecker compares the source and target data of a job.
type ConsistencyChecker interface {
	Check(ctx context.Context, job *config.JobConfiguration) ([]*checksum.Result, error)
}

type crc32Checker struct {
	env    *Environment
	config *checksum.CheckerConfig
}

func newCRC32Checker(props map[string]string, env *Environment) (any, error) {
	if env == nil || env.Manager == nil {
		return nil, errors.New("consistency checker needs a data source manager")
	}
	cfg := checksum.NewCheckerDefaultConfig()
	cfg.DBConfig = env.dbConfig()
	cfg.Logger = env.logger()
	if raw, ok := props[PropConcurrency]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidProps, PropConcurrency, raw)
		}
		cfg.Concurrency = n
	}
	return &crc32Checker{env: env, config: cfg}, nil
}

func (c *crc32Checker) Check(ctx context.Context, job *config.JobConfiguration) ([]*checksum.Result, error) {
	checks, err := checksum.BuildTableChecks(job, c.env.Manager)
	if err != nil {
		return nil, err
	}
	return checksum.NewChecker(c.config).Check(ctx, checks)
}
