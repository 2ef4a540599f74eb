package cqrs

import (
	"context"
	"errors"
)

// Step is one command of a chain.
type Step struct {
	Command string
	Payload Fields
}

// ChainRequest runs several commands against one stream in order.
type ChainRequest struct {
	Aggregate string
	StreamID  string

	// StartSeq is the seq of the first step; each later step takes the
	// next one. Zero lets the log assign every seq.
	StartSeq int64

	Steps []Step

	// Resume treats a seq conflict as success when the stream already holds
	// an identical event at that seq, so re-running a partially applied
	// chain with the same seqs finishes it.
	Resume bool
}

func (r ChainRequest) step(i int) ExecuteRequest {
	var seq int64
	if r.StartSeq > 0 {
		seq = r.StartSeq + int64(i)
	}
	return ExecuteRequest{
		Aggregate: r.Aggregate,
		StreamID:  r.StreamID,
		Command:   r.Steps[i].Command,
		Payload:   r.Steps[i].Payload,
		Seq:       seq,
	}
}

// Chain executes the steps one after another. The first step is validated
// before Chain returns and its errors are returned directly. Each later step
// is issued only after the previous append has completed.
//
// The Future resolves with every appended event, or rejects with a
// *StepError on the first failure together with the events appended so far.
// Earlier appends are not rolled back.
func (d *Dispatcher) Chain(ctx context.Context, req ChainRequest) (*Future[[]Event], error) {
	if len(req.Steps) == 0 {
		return nil, ErrEmptyChain
	}
	if req.StartSeq < 0 {
		return nil, ErrInvalidSeq
	}

	first, err := d.Execute(ctx, req.step(0))
	if err != nil {
		return nil, err
	}

	future := newFuture[[]Event]()
	go func() {
		events := make([]Event, 0, len(req.Steps))
		pending := first

		for i := range req.Steps {
			stepReq := req.step(i)

			if i > 0 {
				next, err := d.Execute(ctx, stepReq)
				if err != nil {
					future.resolve(events, d.stepFailed(i, stepReq, err))
					return
				}
				pending = next
			}

			stored, err := pending.Result()
			if err != nil && req.Resume {
				stored, err = d.resumeStep(ctx, stepReq, err)
			}
			if err != nil {
				future.resolve(events, d.stepFailed(i, stepReq, err))
				return
			}

			events = append(events, stored)
		}

		d.logger.Debug("Chain completed",
			"aggregate", req.Aggregate,
			"stream", req.StreamID,
			"steps", len(events),
		)
		future.resolve(events, nil)
	}()

	return future, nil
}

func (d *Dispatcher) stepFailed(i int, req ExecuteRequest, err error) error {
	d.logger.Warn("Chain step failed",
		"stream", req.StreamID,
		"step", i,
		"command", req.Command,
		"seq", req.Seq,
		"error", err,
	)
	return &StepError{Index: i, Command: req.Command, Seq: req.Seq, Cause: err}
}

// resumeStep accepts a conflicting append when the stored event at the
// requested seq is the one this step would have written.
func (d *Dispatcher) resumeStep(ctx context.Context, req ExecuteRequest, appendErr error) (Event, error) {
	if req.Seq == 0 || !errors.Is(appendErr, ErrConcurrencyConflict) {
		return Event{}, appendErr
	}

	want, err := d.Prepare(req)
	if err != nil {
		return Event{}, appendErr
	}

	existing, err := d.store.LoadFrom(ctx, req.StreamID, req.Seq-1)
	if err != nil || len(existing) == 0 {
		return Event{}, appendErr
	}

	if existing[0].Seq == req.Seq && existing[0].Same(want) {
		return existing[0], nil
	}
	return Event{}, appendErr
}
