package artifact

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultMinLines is the smallest region promoted to an artifact.
const DefaultMinLines = 15

// Artifact is a promoted code region.
type Artifact struct {
	ID        string
	Code      string
	Language  string
	LineCount int
}

// State is a snapshot of the panel.
type State struct {
	Artifacts []Artifact
	// Focus indexes Artifacts; -1 when empty.
	Focus int
	Open  bool
}

// Panel holds the artifacts of the most recent exchange.
type Panel struct {
	minLines int

	mu    sync.Mutex
	items []Artifact
	codes map[string]struct{}
	focus int
	open  bool
}

// NewPanel returns an empty panel admitting regions of at least minLines.
func NewPanel(minLines int) *Panel {
	if minLines <= 0 {
		minLines = DefaultMinLines
	}
	return &Panel{minLines: minLines, codes: make(map[string]struct{}), focus: -1}
}

// Offer promotes r if it is large enough and its code is not already
// registered. The first artifact opens the panel; every added artifact takes
// focus.
func (p *Panel) Offer(r Region) (Artifact, bool) {
	if r.LineCount < p.minLines {
		return Artifact{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.codes[r.Code]; dup {
		return Artifact{}, false
	}
	lang := r.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	a := Artifact{ID: uuid.NewString(), Code: r.Code, Language: lang, LineCount: r.LineCount}
	p.codes[r.Code] = struct{}{}
	p.items = append(p.items, a)
	p.focus = len(p.items) - 1
	if len(p.items) == 1 {
		p.open = true
	}
	return a, true
}

// OfferAll offers each region and returns the ones admitted.
func (p *Panel) OfferAll(regions []Region) []Artifact {
	var added []Artifact
	for _, r := range regions {
		if a, ok := p.Offer(r); ok {
			added = append(added, a)
		}
	}
	return added
}

// Clear drops every artifact and closes the panel.
func (p *Panel) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
	p.codes = make(map[string]struct{})
	p.focus = -1
	p.open = false
}

// SetFocus focuses the artifact at i, clamped to the valid range.
func (p *Panel) SetFocus(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return
	}
	if i < 0 {
		i = 0
	}
	if i >= len(p.items) {
		i = len(p.items) - 1
	}
	p.focus = i
}

// Move shifts focus by delta.
func (p *Panel) Move(delta int) {
	p.mu.Lock()
	focus := p.focus
	p.mu.Unlock()
	p.SetFocus(focus + delta)
}

// Toggle flips panel visibility. An empty panel stays closed.
func (p *Panel) Toggle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		p.open = false
		return
	}
	p.open = !p.open
}

// Focused returns the focused artifact.
func (p *Panel) Focused() (Artifact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.focus < 0 || p.focus >= len(p.items) {
		return Artifact{}, false
	}
	return p.items[p.focus], true
}

// Snapshot returns a copy of the panel state.
func (p *Panel) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Artifacts: append([]Artifact(nil), p.items...),
		Focus:     p.focus,
		Open:      p.open,
	}
}
