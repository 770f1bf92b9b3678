package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

// Ready is the result of one Poll.
type Ready struct {
	Readable []Handle
	Writable []Handle
	// Idle is set when no socket activity happened for the whole timeout.
	Idle bool
}

// Empty reports whether nothing is ready.
func (r Ready) Empty() bool {
	return len(r.Readable) == 0 && len(r.Writable) == 0
}

// Poll waits until one of reads has new input (data, EOF or an error) or
// one of writes can take output. Reads are issued for the read set before
// waiting. A zero timeout waits indefinitely; otherwise Idle is returned
// when no socket event arrives within timeout. Readability is edge
// triggered: a handle is reported once per batch of new input, so callers
// must consume everything they can.
func (p *Pool) Poll(ctx context.Context, reads, writes []Handle, timeout time.Duration) (Ready, error) {
	if p.closed {
		return Ready{}, errors.NewReadinessError(ErrPoolClosed)
	}
	for _, hs := range [][]Handle{reads, writes} {
		for _, h := range hs {
			if p.Conn(h) == nil {
				return Ready{}, errors.NewReadinessError(fmt.Errorf("unknown handle %d", h))
			}
		}
	}

	p.arm(reads)
	p.drain(reads)

	var (
		timer  *time.Timer
		expire <-chan time.Time
	)
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	for {
		if r := p.collect(reads, writes); !r.Empty() {
			return r, nil
		}
		select {
		case ev := <-p.events:
			p.dispatch(ev)
			p.arm(reads)
			if timer != nil {
				timer.Reset(timeout)
			}
		case <-expire:
			return Ready{Idle: true}, nil
		case <-ctx.Done():
			return Ready{}, ctx.Err()
		case <-p.ctx.Done():
			return Ready{}, errors.NewReadinessError(ErrPoolClosed)
		}
	}
}

func (p *Pool) arm(reads []Handle) {
	for _, h := range reads {
		p.conns[h].armRead()
	}
}

// drain applies every queued event without blocking.
func (p *Pool) drain(reads []Handle) {
	for {
		select {
		case ev := <-p.events:
			p.dispatch(ev)
			p.arm(reads)
		default:
			return
		}
	}
}

// dispatch applies ev unless it belongs to a socket that has since been
// closed or replaced.
func (p *Pool) dispatch(ev event) {
	c := p.Conn(ev.handle)
	if c == nil || c.sock == nil || c.sock.gen != ev.gen {
		if ev.tlsConn != nil {
			ev.tlsConn.Close()
		}
		return
	}
	c.apply(ev)
}

func (p *Pool) collect(reads, writes []Handle) Ready {
	var r Ready
	for _, h := range writes {
		if p.conns[h].writable() {
			r.Writable = append(r.Writable, h)
		}
	}
	for _, h := range reads {
		c := p.conns[h]
		if c.readable {
			c.readable = false
			r.Readable = append(r.Readable, h)
		}
	}
	return r
}
