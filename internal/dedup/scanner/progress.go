package scanner

import (
	"time"
)

// Stage identifies which phase of a scan a progress event belongs to.
type Stage string

const (
	StageLoading    Stage = "loading"
	StageBlocking   Stage = "blocking"
	StageScoring    Stage = "scoring"
	StageClustering Stage = "clustering"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
)

// ProgressEvent reports scan progress. Done/Total count pairwise
// comparisons during StageScoring and are zero for the bookkeeping stages.
type ProgressEvent struct {
	Stage   Stage         `json:"stage"`
	Done    int           `json:"done"`
	Total   int           `json:"total"`
	Percent float64       `json:"percent"`
	Elapsed time.Duration `json:"elapsed"`
	ETA     time.Duration `json:"eta"`
}

// progressEmitter throttles events by elapsed wall time and never blocks:
// when the receiver lags, events are dropped, not queued. The scan must
// not slow down because nobody is watching the progress bar.
type progressEmitter struct {
	ch       chan<- ProgressEvent
	interval time.Duration
	started  time.Time
	lastSent time.Time
}

func newProgressEmitter(ch chan<- ProgressEvent, interval time.Duration) *progressEmitter {
	return &progressEmitter{ch: ch, interval: interval, started: time.Now()}
}

// emit sends one event, subject to throttling. force bypasses the throttle
// for stage transitions and the final event.
func (p *progressEmitter) emit(stage Stage, done, total int, force bool) {
	if p.ch == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(p.lastSent) < p.interval {
		return
	}
	p.lastSent = now

	ev := ProgressEvent{
		Stage:   stage,
		Done:    done,
		Total:   total,
		Elapsed: now.Sub(p.started),
	}
	if total > 0 {
		ev.Percent = float64(done) / float64(total) * 100
		if done > 0 && done < total {
			perPair := ev.Elapsed / time.Duration(done)
			ev.ETA = perPair * time.Duration(total-done)
		}
	}
	if stage == StageDone {
		ev.Percent = 100
	}

	select {
	case p.ch <- ev:
	default:
	}
}
