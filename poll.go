package wgcore

import (
	"context"
	"fmt"
	"time"
)

// PollType selects how long Device.Poll waits.
type PollType struct {
	wait  bool
	index SubmissionIndex
}

// PollNoWait checks for completed work and returns immediately.
func PollNoWait() PollType { return PollType{} }

// PollWait waits until every submission made so far has completed.
func PollWait() PollType { return PollType{wait: true} }

// PollWaitFor waits until submission index has completed.
func PollWaitFor(index SubmissionIndex) PollType { return PollType{wait: true, index: index} }

func (p PollType) String() string {
	switch {
	case !p.wait:
		return "NoWait"
	case p.index == 0:
		return "Wait"
	default:
		return fmt.Sprintf("WaitFor(%d)", p.index)
	}
}

// Poll retires completed submissions. Retiring a submission frees the
// resources destroyed or released while it was in flight, completes the
// buffer maps waiting for it, and fires OnSubmittedWorkDone callbacks.
// Callbacks run on the calling goroutine.
//
// With a waiting PollType, Poll blocks until the requested submission
// completes or ctx ends. If ctx ends first Poll returns an error matching
// ErrTimeout and leaves everything as it was.
//
// queueEmpty reports whether no submission is still in flight.
func (d *Device) Poll(ctx context.Context, pt PollType) (queueEmpty bool, err error) {
	if err := d.check(); err != nil {
		return false, err
	}

	target := pt.index
	if pt.wait {
		last := d.lifetime.lastSubmitted()
		if target == 0 {
			target = last
		}
		if target > last {
			return false, validationf("poll", "submission %d has not been made (last is %d)", target, last)
		}
	}

	completed := d.queue.completed()
	if pt.wait && completed < target {
		timer := time.NewTimer(d.opts.pollInterval)
		defer timer.Stop()
		for completed < target {
			select {
			case <-ctx.Done():
				return false, fmt.Errorf("%w: waiting for submission %d: %w", ErrTimeout, target, ctx.Err())
			case <-timer.C:
			}
			completed = d.queue.completed()
			timer.Reset(d.opts.pollInterval)
		}
	}

	d.lifetime.triage(completed)
	active, _ := d.lifetime.counts()
	return active == 0, nil
}
