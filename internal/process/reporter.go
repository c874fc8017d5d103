package process

import (
	"sync"

	"mangavault/pkg/models"
)

// Sink receives the events of a run. *Hub is the production sink.
type Sink interface {
	Publish(event string, ev models.ProgressEvent)
}

// Progress bands of one chapter run.
const (
	BandLoadingStart = 0
	BandLoadingEnd   = 10
	BandFetchEnd     = 90
	BandDone         = 100
)

// Reporter publishes the events of one run under one process id.
// Progress never moves backwards and stays within 0..100.
// A nil Reporter discards everything.
type Reporter struct {
	sink Sink
	id   string

	mu   sync.Mutex
	last int
}

func NewReporter(sink Sink, processID string) *Reporter {
	return &Reporter{sink: sink, id: processID}
}

func (r *Reporter) ProcessID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// Last returns the highest progress published so far.
func (r *Reporter) Last() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reporter) Status(status string) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink.Publish(EventStatus, models.ProgressEvent{ProcessID: r.id, Status: &status})
}

func (r *Reporter) Notify(msg string) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink.Publish(EventNotify, models.ProgressEvent{ProcessID: r.id, Notify: &msg})
}

func (r *Reporter) Progress(p int) {
	if r == nil || r.sink == nil {
		return
	}
	p = r.advance(p)
	r.sink.Publish(EventProgress, models.ProgressEvent{ProcessID: r.id, Progress: &p})
}

func (r *Reporter) StatusWithProgress(status string, p int) {
	if r == nil || r.sink == nil {
		return
	}
	p = r.advance(p)
	r.sink.Publish(EventStatusWithProgress, models.ProgressEvent{ProcessID: r.id, Status: &status, Progress: &p})
}

// InBand maps done/total onto [lo, hi] and publishes it with status.
func (r *Reporter) InBand(status string, lo, hi, done, total int) {
	r.StatusWithProgress(status, Scale(lo, hi, done, total))
}

// Scale maps done/total linearly onto [lo, hi].
func Scale(lo, hi, done, total int) int {
	if total <= 0 {
		return lo
	}
	done = min(max(done, 0), total)
	return lo + (hi-lo)*done/total
}

func (r *Reporter) advance(p int) int {
	p = min(max(p, 0), 100)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p < r.last {
		p = r.last
	}
	r.last = p
	return p
}
