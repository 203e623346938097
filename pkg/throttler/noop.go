package throttler

import "context"

// Noop never holds back work. It is the NONE rate limiter.
type Noop struct{}

var _ Throttler = &Noop{}

func (t *Noop) Open(context.Context) error      { return nil }
func (t *Noop) Close() error                    { return nil }
func (t *Noop) IsThrottled() bool               { return false }
func (t *Noop) BlockWait(context.Context)       {}
func (t *Noop) UpdateLag(context.Context) error { return nil }
