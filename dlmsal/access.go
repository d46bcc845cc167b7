package dlmsal

import (
	"context"
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

// SuccessMarker is the result field a SET or ACTION answer has to carry at index 1.
const SuccessMarker = "success (0)"

// Execute sends one GET, SET or ACTION and waits for its answer. Segmented link frames are
// acknowledged and collected here, a data block with more to come is returned with Continuation set.
func (c *Client) Execute(ctx context.Context, op *PendingOperation) (*ResponseBlock, error) {
	if c.State() != StateEstablished {
		return nil, base.ErrNotOpened
	}
	if op == nil {
		return nil, fmt.Errorf("%w: no operation", base.ErrEncodingFailure)
	}
	frame, err := c.codec.EncodeRequest(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrEncodingFailure, err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty %v request", base.ErrEncodingFailure, op.Kind)
	}

	var lasterr error
	for i := range c.timing.executeIterations {
		if i > 0 {
			if err = sleep(ctx, c.timing.retryPause); err != nil {
				return nil, fmt.Errorf("%w: %w", base.ErrTimeout, err)
			}
		}
		if err = c.send(frame, op.Kind.String()); err != nil {
			lasterr = err
			c.dlogf("send of %v request failed: %v", op.Kind, err)
			continue
		}
		return c.receive(ctx, op)
	}
	return nil, fmt.Errorf("%w: unable to send %v request: %w", base.ErrTimeout, op.Kind, lasterr)
}

// receive collects one answer, a frame that is only a segment counts against maxSegments
func (c *Client) receive(ctx context.Context, op *PendingOperation) (*ResponseBlock, error) {
	for range c.timing.maxSegments {
		raw, ok := c.await(ctx, op.Kind.String())
		if !ok {
			return nil, fmt.Errorf("%w: %v response", base.ErrTimeout, op.Kind)
		}
		rb, err := c.codec.DecodeResponse(op, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", base.ErrDecodeFailure, err)
		}
		if rb == nil {
			return nil, fmt.Errorf("%w: empty %v response", base.ErrDecodeFailure, op.Kind)
		}
		if rb.Segmented {
			if err = c.ack(); err != nil {
				return nil, err
			}
			continue
		}
		return c.check(op, rb)
	}
	return nil, fmt.Errorf("%w: %v response longer than %d segments", base.ErrDecodeFailure, op.Kind, c.timing.maxSegments)
}

func (c *Client) ack() error {
	rr, err := c.codec.EncodeAck()
	if err != nil {
		return fmt.Errorf("%w: %w", base.ErrEncodingFailure, err)
	}
	if err = c.send(rr, "RR"); err != nil {
		return fmt.Errorf("%w: %w", base.ErrTimeout, err)
	}
	return nil
}

func (c *Client) check(op *PendingOperation, rb *ResponseBlock) (*ResponseBlock, error) {
	if rb.Status < 0 {
		return nil, &DeviceError{Code: rb.Status}
	}
	if rb.Fields == nil {
		return nil, fmt.Errorf("%w: no fields in %v response", base.ErrDecodeFailure, op.Kind)
	}
	switch op.Kind {
	case KindSet, KindAction:
		if len(rb.Fields) < 2 || rb.Fields[1] != SuccessMarker {
			result := ""
			if len(rb.Fields) > 1 {
				result = rb.Fields[1]
			}
			return nil, fmt.Errorf("%w: %v: %s", base.ErrOperationRejected, op.Kind, result)
		}
	}
	rb.Continuation = rb.Status == StatusMoreBlocks
	return rb, nil
}
