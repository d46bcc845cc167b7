package dlmsal

import (
	"context"
	"errors"
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingOpenAck
	StateAwaitingSessionAck
	StateAwaitingChallengeAck
	StateEstablished
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingOpenAck:
		return "awaiting-open-ack"
	case StateAwaitingSessionAck:
		return "awaiting-session-ack"
	case StateAwaitingChallengeAck:
		return "awaiting-challenge-ack"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var errNoProgress = errors.New("handshake made no progress")

func (c *Client) fail(step string, cause error) error {
	c.setState(StateFailed)
	c.logf("handshake failed at %s: %v", step, cause)
	return fmt.Errorf("%w: %s: %w", base.ErrProtocolFailure, step, cause)
}

// sendstep sends a handshake frame and moves to next, a send failure counts as timeout
func (c *Client) sendstep(step string, frame []byte, next SessionState) error {
	if err := c.send(frame, step); err != nil {
		return c.fail(step, fmt.Errorf("%w: %w", base.ErrTimeout, err))
	}
	c.setState(next)
	return nil
}

// Establish drives open, session, challenge and confirm. Any failed step leaves the client
// in StateFailed, the caller has to reconnect before trying again.
func (c *Client) Establish(ctx context.Context) error {
	switch c.State() {
	case StateIdle:
	case StateEstablished:
		return nil
	default:
		return c.fail("open", fmt.Errorf("unexpected state %v", c.State()))
	}

	for range c.timing.sessionIterations {
		switch c.State() {
		case StateIdle:
			frame, err := c.codec.EncodeOpen()
			if err != nil {
				return c.fail("open", fmt.Errorf("%w: %w", base.ErrEncodingFailure, err))
			}
			if frame == nil { // no link open, go straight to association
				if err = c.session(nil); err != nil {
					return err
				}
				continue
			}
			if err = c.sendstep("open", frame, StateAwaitingOpenAck); err != nil {
				return err
			}
		case StateAwaitingOpenAck:
			ack, ok := c.await(ctx, "open")
			if !ok {
				return c.fail("open", base.ErrTimeout)
			}
			if err := c.session(ack); err != nil {
				return err
			}
		case StateAwaitingSessionAck:
			ack, ok := c.await(ctx, "session")
			if !ok {
				return c.fail("session", base.ErrTimeout)
			}
			frame, err := c.codec.Challenge(ack)
			if err != nil {
				return c.fail("session", err)
			}
			if frame == nil {
				c.setState(StateEstablished)
				continue
			}
			if err = c.sendstep("challenge", frame, StateAwaitingChallengeAck); err != nil {
				return err
			}
		case StateAwaitingChallengeAck:
			ack, ok := c.await(ctx, "challenge")
			if !ok {
				return c.fail("challenge", base.ErrTimeout)
			}
			if err := c.codec.Confirm(ack); err != nil {
				return c.fail("confirm", err)
			}
			c.setState(StateEstablished)
		case StateEstablished:
			c.logf("session established")
			return nil
		default:
			return c.fail("open", fmt.Errorf("unexpected state %v", c.State()))
		}
		if ctx.Err() != nil {
			return c.fail(c.State().String(), fmt.Errorf("%w: %w", base.ErrTimeout, ctx.Err()))
		}
	}
	if c.State() == StateEstablished {
		c.logf("session established")
		return nil
	}
	return c.fail(c.State().String(), errNoProgress)
}

func (c *Client) session(openAck []byte) error {
	frame, err := c.codec.Session(openAck)
	if err != nil {
		return c.fail("open", err)
	}
	if len(frame) == 0 {
		return c.fail("session", base.ErrEncodingFailure)
	}
	return c.sendstep("session", frame, StateAwaitingSessionAck)
}
