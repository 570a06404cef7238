// Package hk is a generic periodic-callback registry: the mechanism the
// supervisor's status tick and the storage layer's temp-file
// sweep both register with, instead of each owning a private
// time.Ticker.
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/slicebox/slicebox/internal/nlog"
)

var log = nlog.New("hk")

type job struct {
	name     string
	interval time.Duration
	cb       func()
	due      time.Time
	index    int
}

type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x interface{}) { j := x.(*job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Housekeeper runs a registry of named periodic callbacks on a single
// goroutine, always waking for whichever job is due soonest.
type Housekeeper struct {
	mu      sync.Mutex
	jobs    map[string]*job
	heap    jobHeap
	timerCh chan struct{}
	stopCh  chan struct{}
	stopped bool
}

func New() *Housekeeper {
	h := &Housekeeper{
		jobs:    make(map[string]*job),
		timerCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	return h
}

// Register adds or replaces a named periodic job, first due one
// interval from now.
func (h *Housekeeper) Register(name string, interval time.Duration, cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.jobs[name]; ok {
		old.cb = cb
		old.interval = interval
		return
	}
	j := &job{name: name, interval: interval, cb: cb, due: time.Now().Add(interval)}
	h.jobs[name] = j
	heap.Push(&h.heap, j)
	h.poke()
}

// Unregister removes a named job.
func (h *Housekeeper) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	j, ok := h.jobs[name]
	if !ok {
		return
	}
	delete(h.jobs, name)
	heap.Remove(&h.heap, j.index)
}

func (h *Housekeeper) poke() {
	select {
	case h.timerCh <- struct{}{}:
	default:
	}
}

// Run drives the registry until Stop is called. Meant to be launched
// in its own goroutine by the embedding application.
func (h *Housekeeper) Run() {
	for {
		h.mu.Lock()
		var wait time.Duration
		if len(h.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(h.heap[0].due)
			if wait < 0 {
				wait = 0
			}
		}
		h.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-h.stopCh:
			timer.Stop()
			return
		case <-h.timerCh:
			timer.Stop()
		case <-timer.C:
		}
		h.runDue()
	}
}

func (h *Housekeeper) runDue() {
	now := time.Now()
	for {
		h.mu.Lock()
		if len(h.heap) == 0 || h.heap[0].due.After(now) {
			h.mu.Unlock()
			return
		}
		j := h.heap[0]
		j.due = now.Add(j.interval)
		heap.Fix(&h.heap, 0)
		cb := j.cb
		name := j.name
		h.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("housekeeping job %q panicked: %v", name, r)
				}
			}()
			cb()
		}()
	}
}

// Stop terminates Run.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()
	close(h.stopCh)
}
