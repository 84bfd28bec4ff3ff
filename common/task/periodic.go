// Package task provides small scheduling primitives used throughout
// this module, mirroring xray-core's common/task.
package task

import (
	"sync"
	"time"
)

// Periodic runs Execute on every tick of Interval until Close is
// called or Execute returns an error, after which no further run is
// scheduled. A single Periodic is not safe to Start twice concurrently.
type Periodic struct {
	Interval time.Duration
	Execute  func() error

	access  sync.Mutex
	timer   *time.Timer
	closed  chan struct{}
	running bool
}

func (p *Periodic) hasClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Periodic) runOnce() error {
	p.access.Lock()
	if p.hasClosed() {
		p.access.Unlock()
		return nil
	}
	p.access.Unlock()

	if err := p.Execute(); err != nil {
		return err
	}

	p.access.Lock()
	defer p.access.Unlock()
	if p.hasClosed() {
		return nil
	}
	p.timer = time.AfterFunc(p.Interval, func() {
		go p.runOnce() //nolint:errcheck
	})
	return nil
}

// Start begins the periodic execution.
func (p *Periodic) Start() error {
	p.access.Lock()
	if p.running {
		p.access.Unlock()
		return nil
	}
	p.running = true
	p.closed = make(chan struct{})
	p.access.Unlock()

	return p.runOnce()
}

// Close stops further executions.
func (p *Periodic) Close() error {
	p.access.Lock()
	defer p.access.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	close(p.closed)
	if p.timer != nil {
		p.timer.Stop()
	}
	return nil
}
