// Package reveal paces the display of an already-known text at a fixed
// per-character rate, emitting batched frames.
package reveal

import (
	"sync"
	"time"

	"github.com/mattjoyce/agentconsole/internal/clock"
)

// Defaults for Options.
const (
	DefaultSpeed = 5 * time.Millisecond
	DefaultBatch = 50 * time.Millisecond
)

// Options tunes an Animator.
type Options struct {
	// Speed is the time per revealed character.
	Speed time.Duration
	// Batch is the minimum interval between frames.
	Batch time.Duration
}

// Animator reveals one text at a time. Callbacks run on the clock's timer
// goroutine (or the goroutine calling Skip), never while the animator's lock
// is held, and never synchronously from Start.
type Animator struct {
	clock clock.Clock
	speed time.Duration
	batch time.Duration

	mu         sync.Mutex
	gen        uint64
	text       []rune
	shown      int
	started    time.Time
	animating  bool
	timer      clock.Timer
	onFrame    func(string)
	onComplete func()
}

// New returns an idle Animator.
func New(clk clock.Clock, opts Options) *Animator {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.Speed <= 0 {
		opts.Speed = DefaultSpeed
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	return &Animator{clock: clk, speed: opts.Speed, batch: opts.Batch}
}

// Start begins revealing text from zero. A reveal already in flight is
// abandoned without completing. onFrame receives the visible prefix;
// onComplete fires exactly once, after the last frame, unless Stop or another
// Start intervenes.
func (a *Animator) Start(text string, onFrame func(visible string), onComplete func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelLocked()
	a.text = []rune(text)
	a.shown = 0
	a.started = a.clock.Now()
	a.animating = true
	a.onFrame = onFrame
	a.onComplete = onComplete

	gen := a.gen
	a.timer = a.clock.AfterFunc(a.nextDelayLocked(a.started), func() { a.tick(gen) })
}

// Skip reveals the full text immediately and completes. It is a no-op when
// nothing is animating.
func (a *Animator) Skip() {
	a.mu.Lock()
	if !a.animating {
		a.mu.Unlock()
		return
	}
	a.cancelLocked()
	full, onFrame, onComplete := a.finishLocked()
	a.mu.Unlock()

	emit(onFrame, full)
	if onComplete != nil {
		onComplete()
	}
}

// Stop abandons the current reveal without completing it.
func (a *Animator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelLocked()
	a.animating = false
	a.onFrame = nil
	a.onComplete = nil
}

// Animating reports whether a reveal is in progress.
func (a *Animator) Animating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.animating
}

// Visible returns the currently revealed prefix.
func (a *Animator) Visible() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.text[:a.shown])
}

// Text returns the full text of the current or last reveal.
func (a *Animator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.text)
}

func (a *Animator) tick(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || !a.animating {
		a.mu.Unlock()
		return
	}

	now := a.clock.Now()
	n := int(now.Sub(a.started) / a.speed)
	if n >= len(a.text) {
		a.timer = nil
		full, onFrame, onComplete := a.finishLocked()
		a.mu.Unlock()
		emit(onFrame, full)
		if onComplete != nil {
			onComplete()
		}
		return
	}

	changed := n != a.shown
	a.shown = n
	visible := string(a.text[:n])
	onFrame := a.onFrame
	a.timer = a.clock.AfterFunc(a.nextDelayLocked(now), func() { a.tick(gen) })
	a.mu.Unlock()

	if changed {
		emit(onFrame, visible)
	}
}

// nextDelayLocked waits one batch interval, or less when the final character
// falls due sooner.
func (a *Animator) nextDelayLocked(now time.Time) time.Duration {
	finish := a.started.Add(time.Duration(len(a.text)) * a.speed)
	if remaining := finish.Sub(now); remaining < a.batch {
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return a.batch
}

func (a *Animator) finishLocked() (string, func(string), func()) {
	a.gen++
	a.animating = false
	a.shown = len(a.text)
	onFrame, onComplete := a.onFrame, a.onComplete
	a.onFrame, a.onComplete = nil, nil
	return string(a.text), onFrame, onComplete
}

func (a *Animator) cancelLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func emit(onFrame func(string), s string) {
	if onFrame != nil {
		onFrame(s)
	}
}
