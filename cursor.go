package glass

import (
	"context"
	"sync"
	"time"

	"github.com/gnif/LookingGlass-sub002/internal/constants"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/protoerr"
	"github.com/gnif/LookingGlass-sub002/internal/queue"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

// CursorPipeline drains the POINTER queue's host-to-client direction
// (shape and position updates, selected by the message's user-tag flag
// bits) and exposes the client-to-host direction (SetCursorPos) on the
// same queue, per spec.md §9's resolution to carry both over one ring.
type CursorPipeline struct {
	queue    *queue.Queue
	display  interfaces.DisplayServer
	logger   interfaces.Logger
	observer interfaces.Observer

	mu            sync.Mutex
	shape         []byte
	shapeInfo     interfaces.CursorShape
	haveShape     bool
	visible       bool
	x, y          int16
	positionValid bool
}

// NewCursorPipeline wires a POINTER queue to a DisplayServer.
func NewCursorPipeline(q *queue.Queue, display interfaces.DisplayServer, logger interfaces.Logger, observer interfaces.Observer) *CursorPipeline {
	return &CursorPipeline{queue: q, display: display, logger: logger, observer: observer}
}

// Poll performs one non-blocking pass over the POINTER queue.
func (c *CursorPipeline) Poll(ctx context.Context) error {
	if c.queue.State() == queue.StateUnsubscribed {
		if err := c.queue.Subscribe(); err != nil {
			if protoerr.HasCode(err, protoerr.CodeNotReady) {
				return nil
			}
			return err
		}
	}

	msg, err := c.queue.Process()
	if err != nil {
		if protoerr.HasCode(err, protoerr.CodeTransient) {
			return nil
		}
		return err
	}

	desc, err := wire.DecodeCursorDescriptor(msg.Data)
	if err != nil {
		c.logger.Warnf("cursor: malformed descriptor, skipping: %v", err)
		return c.queue.MessageDone()
	}
	visible := msg.Tag&constants.CursorFlagVisible != 0
	hasShape := msg.Tag&constants.CursorFlagShape != 0
	hasPosition := msg.Tag&constants.CursorFlagPosition != 0

	if hasShape {
		if !validCursorType(desc.Type) {
			c.logger.Warnf("cursor: unknown cursor type %d, skipping descriptor", desc.Type)
			c.observer.ObserveCursorUpdate()
			return c.queue.MessageDone()
		}
		declared := len(msg.Data) - wire.CursorDescriptorSize
		required := int(desc.Height) * int(desc.Pitch)
		if declared < required {
			c.logger.Warnf("cursor: shape size %d smaller than height*pitch %d, skipping descriptor", declared, required)
			c.observer.ObserveCursorUpdate()
			return c.queue.MessageDone()
		}

		shape := append([]byte(nil), msg.Data[wire.CursorDescriptorSize:]...)
		info := interfaces.CursorShape{
			Type: desc.Type, HotspotX: desc.HX, HotspotY: desc.HY,
			Width: desc.Width, Height: desc.Height, Pitch: desc.Pitch, Data: shape,
		}
		c.mu.Lock()
		c.shape = shape
		c.shapeInfo = info
		c.haveShape = true
		c.mu.Unlock()
		if err := c.display.SetCursorShape(ctx, info); err != nil {
			return protoerr.Wrap("cursor.Poll", protoerr.CodeFatal, err)
		}
	}

	if hasPosition {
		if err := c.display.SetCursorPosition(ctx, desc.X, desc.Y, visible); err != nil {
			return protoerr.Wrap("cursor.Poll", protoerr.CodeFatal, err)
		}
		c.mu.Lock()
		wasValid := c.positionValid
		c.x, c.y, c.visible = desc.X, desc.Y, visible
		c.positionValid = true
		c.mu.Unlock()
		if !wasValid {
			// First POSITION since this pipeline started (or since the last
			// invalid state): the host's local pointer has to be aligned to
			// the guest's before the cursor is meaningful to show.
			c.display.GuestPointerUpdated(ctx, desc.X, desc.Y, desc.X, desc.Y)
		}
	}

	if !hasShape && !hasPosition {
		// VISIBLE toggled on its own: re-emit the last known shape/position
		// so the renderer has something to show/hide against, per spec.md
		// §4.E's re-emit-on-visibility-only-change behavior.
		c.mu.Lock()
		toggled := c.visible != visible
		x, y, haveShape, shapeInfo := c.x, c.y, c.haveShape, c.shapeInfo
		c.visible = visible
		c.mu.Unlock()
		if toggled {
			if haveShape {
				if err := c.display.SetCursorShape(ctx, shapeInfo); err != nil {
					return protoerr.Wrap("cursor.Poll", protoerr.CodeFatal, err)
				}
			}
			if err := c.display.SetCursorPosition(ctx, x, y, visible); err != nil {
				return protoerr.Wrap("cursor.Poll", protoerr.CodeFatal, err)
			}
		}
	}

	c.observer.ObserveCursorUpdate()
	return c.queue.MessageDone()
}

func validCursorType(t uint32) bool {
	switch t {
	case constants.CursorTypeColor, constants.CursorTypeMonochrome, constants.CursorTypeMaskedColor:
		return true
	default:
		return false
	}
}

// Position returns the last cursor position and visibility delivered.
func (c *CursorPipeline) Position() (x, y int16, visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.x, c.y, c.visible
}

// Shape returns a copy of the last cursor bitmap delivered, or nil.
func (c *CursorPipeline) Shape() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shape == nil {
		return nil
	}
	out := make([]byte, len(c.shape))
	copy(out, c.shape)
	return out
}

// PendingMove is the handle returned by SetCursorPos, mirroring the
// teacher's AsyncStartHandle.Wait pattern for an operation that completes
// out of line from the call that started it.
type PendingMove struct {
	queue  *queue.Queue
	serial uint32
}

// AwaitSerial blocks until the POINTER queue's published serial has
// reached the one SetCursorPos returned, or timeout elapses. Send already
// publishes the serial synchronously since this protocol carries no
// distinct host-side acknowledgement record; AwaitSerial exists so callers
// get a single, cancellable wait point rather than branching on that detail.
func (m *PendingMove) AwaitSerial(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		got, err := m.queue.Serial()
		if err == nil && got >= m.serial {
			return nil
		}
		if time.Now().After(deadline) {
			return protoerr.New("cursor.AwaitSerial", protoerr.CodeTransient, "SetCursorPos not observed in time")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.SubscribeRetryInterval):
		}
	}
}

// SetCursorPos posts a client-to-host pointer warp request and returns a
// handle to await its serial being observed on the ring.
func (c *CursorPipeline) SetCursorPos(x, y int32) (*PendingMove, error) {
	serial, err := c.queue.Send(wire.EncodeSetCursorPos(x, y), constants.MessageTypeSetCursorPos)
	if err != nil {
		return nil, err
	}
	return &PendingMove{queue: c.queue, serial: serial}, nil
}
