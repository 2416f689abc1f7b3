// Package glass implements the client side of a Looking-Glass-style
// shared-memory framebuffer and cursor relay: it maps a host-published
// region, waits for a live session, and drains the FRAME and POINTER
// queues into caller-supplied Renderer/DisplayServer implementations.
package glass

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gnif/LookingGlass-sub002/internal/constants"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/logging"
	"github.com/gnif/LookingGlass-sub002/internal/protoerr"
	"github.com/gnif/LookingGlass-sub002/internal/queue"
	"github.com/gnif/LookingGlass-sub002/internal/session"
)

// Options configures Open. Every field has a usable zero value except
// Renderer and Display, which callers must supply.
type Options struct {
	Logger   interfaces.Logger
	Observer interfaces.Observer
	Renderer interfaces.Renderer
	Display  interfaces.DisplayServer
	Input    interfaces.InputSource

	FramePollInterval        time.Duration
	CursorPollInterval       time.Duration
	SetCursorPosAwaitTimeout time.Duration

	// SessionWaitTimeout bounds how long Open, and each re-establish after a
	// host restart, waits for a live host before giving up. Zero means wait
	// forever (cancel ctx to give up instead).
	SessionWaitTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Observer == nil {
		o.Observer = NoOpObserver{}
	}
	if o.FramePollInterval == 0 {
		o.FramePollInterval = time.Duration(constants.DefaultFramePollIntervalUs) * time.Microsecond
	}
	if o.CursorPollInterval == 0 {
		o.CursorPollInterval = time.Duration(constants.DefaultCursorPollIntervalUs) * time.Microsecond
	}
	if o.SetCursorPosAwaitTimeout == 0 {
		o.SetCursorPosAwaitTimeout = constants.DefaultSetCursorPosAwaitTimeout
	}
}

// State is the lifecycle state of a Client, mirroring the teacher's
// DeviceState.
type State string

const (
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
)

// Client is the top-level driver: it owns the mapped region, the session
// handshake, both queue pipelines, and the goroutine that supervises them
// across restarts.
type Client struct {
	region interfaces.Region
	opts   Options

	layout  regionLayout
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards every field a restart reassigns (session, frame, cursor,
	// state). A generation's tasks are joined (genWG.Wait) before the next
	// establish() call reassigns these, so the tasks themselves don't need
	// the lock to see a consistent value for their own generation; it is
	// here for the public accessors (CursorPosition, SetCursorPos, State),
	// which are callable at any time, including mid-restart.
	mu      sync.Mutex
	state   State
	session *session.Session
	frame   *FramePipeline
	cursor  *CursorPipeline

	firstFrameOnce sync.Once
	firstFrame     chan struct{}
}

// Open maps no memory itself: region must already be a live mapping (see
// acquirer.go for file-backed and kvmfr-backed constructors). Open blocks
// until a live host session is observed, then starts the supervisor that
// runs the frame task, cursor task and session watchdog and returns.
func Open(ctx context.Context, region interfaces.Region, opts Options) (*Client, error) {
	opts.setDefaults()

	c := &Client{
		region:     region,
		opts:       opts,
		metrics:    NewMetrics(),
		state:      StateConnecting,
		firstFrame: make(chan struct{}),
		layout:     computeLayout(region.Size()),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.establish(c.ctx); err != nil {
		c.cancel()
		return nil, err
	}

	c.wg.Add(1)
	go c.supervise()

	return c, nil
}

// establish runs the session handshake and (re)builds both queue
// pipelines. Open calls it once before the supervisor starts; the
// supervisor calls it again after a CodeRestart, in place, so the host
// restarting rebuilds the transport without tearing down the client or its
// goroutines' generation loop.
func (c *Client) establish(ctx context.Context) error {
	waitCtx := ctx
	var waitCancel context.CancelFunc
	if c.opts.SessionWaitTimeout > 0 {
		waitCtx, waitCancel = context.WithTimeout(ctx, c.opts.SessionWaitTimeout)
		defer waitCancel()
	}

	sess := session.New(c.region, c.opts.Logger, recordAreaSize)
	info, err := sess.Init(waitCtx)
	if err != nil {
		return fmt.Errorf("glass: waiting for host session: %w", err)
	}
	c.opts.Logger.Infof("glass: host %q connected, features=0x%x", info.HostVersion, info.Features)

	observer := &fanoutObserver{metrics: c.metrics, next: c.opts.Observer}
	frameQueue := queue.New("frame", c.region, c.opts.Logger, c.layout.frameQueue)
	pointerQueue := queue.New("pointer", c.region, c.opts.Logger, c.layout.pointerQueue)

	c.mu.Lock()
	c.session = sess
	c.frame = NewFramePipeline(frameQueue, c.region, c.opts.Renderer, c.opts.Logger, observer)
	c.cursor = NewCursorPipeline(pointerQueue, c.opts.Display, c.opts.Logger, observer)
	c.state = StateRunning
	c.mu.Unlock()
	return nil
}

// supervise owns one generation of frame/cursor/watchdog tasks at a time.
// A CodeRestart from any of them means the host process restarted: the
// generation is torn down, the session is re-established in place, and a
// new generation starts. Any other error, or external cancellation of
// c.ctx, stops the client for good.
func (c *Client) supervise() {
	defer c.wg.Done()
	for {
		genCtx, genCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 3)
		var genWG sync.WaitGroup
		genWG.Add(3)
		go c.runFrameTask(genCtx, &genWG, errCh)
		go c.runCursorTask(genCtx, &genWG, errCh)
		go c.runWatchdog(genCtx, &genWG, errCh)

		var taskErr error
		select {
		case <-c.ctx.Done():
		case taskErr = <-errCh:
		}
		genCancel()
		genWG.Wait()

		if c.ctx.Err() != nil {
			c.mu.Lock()
			c.state = StateStopped
			c.mu.Unlock()
			return
		}

		c.opts.Logger.Errorf("glass: transport task stopping: %v", taskErr)

		if !protoerr.HasCode(taskErr, protoerr.CodeRestart) {
			c.cancel()
			c.mu.Lock()
			c.state = StateStopped
			c.mu.Unlock()
			return
		}

		c.metrics.ObserveSessionRestart()
		c.opts.Observer.ObserveSessionRestart()
		c.opts.Logger.Infof("glass: host restart detected, re-establishing session")
		c.currentFrame().Close()
		if err := c.establish(c.ctx); err != nil {
			c.opts.Logger.Errorf("glass: re-establishing session after restart: %v", err)
			c.cancel()
			c.mu.Lock()
			c.state = StateStopped
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) currentFrame() *FramePipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func (c *Client) currentCursor() *CursorPipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Client) currentSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) runFrameTask(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		delivered, err := c.pollFrame(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if delivered {
			c.firstFrameOnce.Do(func() { close(c.firstFrame) })
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.FramePollInterval):
		}
	}
}

func (c *Client) pollFrame(ctx context.Context) (bool, error) {
	before := c.metrics.FramesDelivered.Load()
	if err := c.currentFrame().Poll(ctx); err != nil {
		return false, err
	}
	return c.metrics.FramesDelivered.Load() > before, nil
}

func (c *Client) runCursorTask(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.currentCursor().Poll(ctx); err != nil {
			errCh <- err
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.CursorPollInterval):
		}
	}
}

func (c *Client) runWatchdog(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	ticker := time.NewTicker(constants.HeartbeatPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.currentSession().Valid() {
				errCh <- protoerr.New("session.Watchdog", protoerr.CodeRestart, "host heartbeat stalled or session id changed")
				return
			}
		}
	}
}

// FirstFrameDelivered is closed the first time a frame reaches the
// Renderer, letting callers distinguish "still connecting" from "connected
// but idle host".
func (c *Client) FirstFrameDelivered() <-chan struct{} {
	return c.firstFrame
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether the frame/cursor tasks are still active.
func (c *Client) IsRunning() bool {
	return c.State() == StateRunning
}

// Metrics returns the client's running metrics.
func (c *Client) Metrics() *Metrics { return c.metrics }

// CursorPosition returns the last cursor position and visibility observed
// from the host.
func (c *Client) CursorPosition() (x, y int16, visible bool) {
	return c.currentCursor().Position()
}

// SetCursorPos posts a pointer warp request to the host and waits (bounded
// by Options.SetCursorPosAwaitTimeout) for it to be observed on the ring,
// then invokes Options.Input.Warp if one was configured.
func (c *Client) SetCursorPos(ctx context.Context, x, y int32) error {
	move, err := c.currentCursor().SetCursorPos(x, y)
	if err != nil {
		return err
	}
	if err := move.AwaitSerial(ctx, c.opts.SetCursorPosAwaitTimeout); err != nil {
		return err
	}
	if c.opts.Input != nil {
		return c.opts.Input.Warp(ctx, x, y)
	}
	return nil
}

// Shutdown cancels the supervisor and its current generation of tasks,
// waits for them to exit, releases cached DMA-buf fds, and closes the
// region.
func (c *Client) Shutdown(ctx context.Context) error {
	c.cancel()
	c.metrics.Stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	c.currentFrame().Close()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	return c.region.Close()
}
