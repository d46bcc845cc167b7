package dlmsal

import (
	"context"
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

// AccumulatedResult holds the fields of every block of one logical operation in arrival order.
type AccumulatedResult struct {
	Fields []string
	Blocks int
}

type BlockFunc func(ctx context.Context) (*ResponseBlock, error)

// PerformBlockTransfer calls initial and then continuation until a block arrives without the
// continuation flag. When the block cap stops the loop early the partial result is returned
// together with base.ErrTruncated, any other failure discards the result.
func (c *Client) PerformBlockTransfer(ctx context.Context, initial BlockFunc, continuation BlockFunc) (*AccumulatedResult, error) {
	rb, err := initial(ctx)
	if err != nil {
		return nil, err
	}
	res := &AccumulatedResult{}
	for {
		res.Fields = append(res.Fields, rb.Fields...)
		res.Blocks++
		if !rb.Continuation {
			return res, nil
		}
		if res.Blocks >= c.timing.blockCap {
			c.logf("block cap %d reached, %d fields collected", c.timing.blockCap, len(res.Fields))
			return res, fmt.Errorf("%w: %d blocks", base.ErrTruncated, res.Blocks)
		}
		if err = sleep(ctx, c.timing.blockDelay); err != nil {
			return nil, fmt.Errorf("%w: %w", base.ErrTimeout, err)
		}
		if rb, err = continuation(ctx); err != nil {
			return nil, err
		}
	}
}

// ReadAll reads an attribute with as many blocks as the device sends. The continuation is the
// same GET marked Next, the codec encodes it as get-request-next.
func (c *Client) ReadAll(ctx context.Context, op *PendingOperation) (*AccumulatedResult, error) {
	next := &PendingOperation{Kind: KindGet, ObjectID: op.ObjectID, Attribute: op.Attribute, DataIndex: op.DataIndex, Next: true}
	return c.PerformBlockTransfer(ctx,
		func(ctx context.Context) (*ResponseBlock, error) { return c.Execute(ctx, op) },
		func(ctx context.Context) (*ResponseBlock, error) { return c.Execute(ctx, next) },
	)
}
