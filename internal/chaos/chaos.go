package chaos

import (
	"bytes"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"go.uber.org/zap"
)

// Chaos injects seeded, reproducible faults into outbound frames. A
// dropped frame is reported as written, so the peer sees a sequence gap
// and has to recover it by ResendRequest.
type Chaos struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	mu    sync.Mutex
	rng   *rand.Rand
	start time.Time
}

// New applies cfg.Profile on top of the explicit settings
func New(cfg *Config, clk clock.Clock, logger *zap.Logger) (*Chaos, error) {
	c := *cfg
	if c.Profile != "" {
		dropPct, delayMin, delayMax, err := ParseProfile(c.Profile)
		if err != nil {
			return nil, err
		}
		if dropPct > 0 {
			c.DropPct = dropPct
		}
		if delayMin > 0 || delayMax > 0 {
			c.DelayMsMin, c.DelayMsMax = delayMin, delayMax
		}
	}
	return &Chaos{
		cfg:    c,
		logger: logger,
		clock:  clk,
		rng:    rand.New(rand.NewSource(c.Seed)),
		start:  clk.Now(),
	}, nil
}

// EnabledFor reports whether faults apply to sessionID right now
func (c *Chaos) EnabledFor(sessionID string) bool {
	if !c.cfg.Enabled {
		return false
	}
	if c.cfg.WindowMs > 0 && c.clock.Since(c.start) > time.Duration(c.cfg.WindowMs)*time.Millisecond {
		return false
	}
	return c.cfg.TargetSessionID == "" || c.cfg.TargetSessionID == sessionID
}

// Wrap returns a transport decorator for sessionID
func (c *Chaos) Wrap(sessionID string) func(session.Transport) session.Transport {
	return func(t session.Transport) session.Transport {
		return &faultyTransport{Transport: t, chaos: c, sessionID: sessionID, done: make(chan struct{})}
	}
}

func (c *Chaos) delay() time.Duration {
	if c.cfg.DelayMsMax == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.cfg.DelayMsMin
	if c.cfg.DelayMsMax > c.cfg.DelayMsMin {
		ms += c.rng.Intn(c.cfg.DelayMsMax - c.cfg.DelayMsMin + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Chaos) drop(msgType fix.MsgType) bool {
	if c.cfg.DropPct == 0 || (msgType.IsAdmin() && !c.cfg.DropAdmin) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(100) < c.cfg.DropPct
}

// delayQueueLen bounds frames waiting out a delay; a full queue blocks Write
const delayQueueLen = 1024

type delayedFrame struct {
	raw   []byte
	delay time.Duration
}

// faultyTransport writes straight through until the first injected delay.
// From then on every frame goes through a queue drained by one goroutine,
// so a delay never holds the caller and frames keep their order.
type faultyTransport struct {
	session.Transport
	chaos     *Chaos
	sessionID string

	mu     sync.Mutex
	queue  chan delayedFrame
	err    error
	closed bool
	done   chan struct{}
}

func (f *faultyTransport) Write(p []byte) (int, error) {
	c := f.chaos
	if !c.EnabledFor(f.sessionID) {
		return f.send(p, 0)
	}

	msgType := frameMsgType(p)
	if c.drop(msgType) {
		c.logger.Info("chaos drop injected",
			zap.String("session_id", f.sessionID),
			zap.String("msg_type", string(msgType)),
		)
		return len(p), nil
	}
	d := c.delay()
	if d > 0 {
		c.logger.Info("chaos delay injected",
			zap.String("session_id", f.sessionID),
			zap.String("msg_type", string(msgType)),
			zap.Duration("delay", d),
		)
	}
	return f.send(p, d)
}

func (f *faultyTransport) send(p []byte, d time.Duration) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, net.ErrClosed
	}
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return 0, err
	}
	if f.queue == nil {
		if d == 0 {
			f.mu.Unlock()
			return f.Transport.Write(p)
		}
		f.queue = make(chan delayedFrame, delayQueueLen)
		go f.drain(f.queue)
	}
	q := f.queue
	f.mu.Unlock()

	select {
	case q <- delayedFrame{raw: bytes.Clone(p), delay: d}:
		return len(p), nil
	case <-f.done:
		return 0, net.ErrClosed
	}
}

// drain writes queued frames after their delay. A failed write is kept for
// the next Write and closes the inner transport so the reader sees it too.
func (f *faultyTransport) drain(q <-chan delayedFrame) {
	for {
		select {
		case <-f.done:
			return
		case fr := <-q:
			if fr.delay > 0 {
				timer := f.chaos.clock.Timer(fr.delay)
				select {
				case <-f.done:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			select {
			case <-f.done:
				return
			default:
			}
			if _, err := f.Transport.Write(fr.raw); err != nil {
				f.mu.Lock()
				f.err = err
				f.mu.Unlock()
				f.Transport.Close()
				return
			}
		}
	}
}

// Close discards frames still waiting out a delay
func (f *faultyTransport) Close() error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	f.mu.Unlock()
	return f.Transport.Close()
}

// frameMsgType reads tag 35 out of an encoded frame without decoding it
func frameMsgType(frame []byte) fix.MsgType {
	i := bytes.Index(frame, []byte("\x0135="))
	if i < 0 {
		return ""
	}
	rest := frame[i+4:]
	if j := bytes.IndexByte(rest, 0x01); j >= 0 {
		rest = rest[:j]
	}
	return fix.MsgType(rest)
}
