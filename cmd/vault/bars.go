package main

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"go.uber.org/zap"

	"mangavault/pkg/models"
)

// barSink renders process events as one progress bar per process id.
type barSink struct {
	p   *mpb.Progress
	log *zap.Logger

	mu   sync.Mutex
	bars map[string]*processBar
}

type processBar struct {
	bar    *mpb.Bar
	status atomic.Value
}

func newBarSink(out io.Writer, logger *zap.Logger) *barSink {
	return &barSink{
		p: mpb.New(
			mpb.WithWidth(52),
			mpb.WithOutput(out),
			mpb.WithRefreshRate(120*time.Millisecond),
		),
		log:  logger,
		bars: make(map[string]*processBar),
	}
}

func (s *barSink) Publish(_ string, ev models.ProgressEvent) {
	b := s.bar(ev.ProcessID)
	if ev.Status != nil {
		b.status.Store(*ev.Status)
	}
	if ev.Progress != nil {
		b.bar.SetCurrent(int64(*ev.Progress))
	}
	if ev.Notify != nil {
		s.log.Info(*ev.Notify, zap.String("process", ev.ProcessID))
	}
}

func (s *barSink) bar(id string) *processBar {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bars[id]; ok {
		return b
	}
	b := &processBar{}
	b.status.Store("")
	b.bar = s.p.New(100,
		mpb.BarStyle().Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(id+"  "),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncWidth),
			decor.Any(func(decor.Statistics) string {
				if st := b.status.Load().(string); st != "" {
					return " | " + st
				}
				return ""
			}),
		),
	)
	s.bars[id] = b
	return b
}

// Close stops unfinished bars and flushes the renderer.
func (s *barSink) Close() {
	s.mu.Lock()
	for _, b := range s.bars {
		if !b.bar.Completed() {
			b.bar.Abort(false)
		}
	}
	s.mu.Unlock()
	s.p.Wait()
}
