package webrepl

import (
	"strings"
)

// pendingResponse is the single outstanding expectation of a session.
type pendingResponse struct {
	expect []string
	result []string
	found  int
	err    error
	done   chan struct{}

	// prev is the phase to restore when this wait is cleared.
	prev Phase
}

func newPendingResponse(expect []string, prev Phase) *pendingResponse {
	trimmed := make([]string, len(expect))
	for i, e := range expect {
		trimmed[i] = strings.TrimSpace(e)
	}
	return &pendingResponse{
		expect: trimmed,
		found:  -1,
		done:   make(chan struct{}),
		prev:   prev,
	}
}

func (p *pendingResponse) index(line string) int {
	for i, e := range p.expect {
		if e == line {
			return i
		}
	}
	return -1
}

func (p *pendingResponse) settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pendingResponse) resolve(i int) bool {
	if p.settled() {
		return false
	}
	p.found = i
	close(p.done)
	return true
}

func (p *pendingResponse) reject(err error) bool {
	if p.settled() {
		return false
	}
	p.err = err
	close(p.done)
	return true
}

// lineMatcher turns text fragments into trimmed lines and matches them
// against a pending response.
type lineMatcher struct {
	buf string
}

func (m *lineMatcher) reset() {
	m.buf = ""
}

// feed consumes one fragment. It returns the lines to log and the index of
// the expected string the fragment matched, or -1. The caller resolves p
// once the lines are delivered. p may be nil.
func (m *lineMatcher) feed(fragment string, p *pendingResponse) (logged []string, match int) {
	match = -1
	if p != nil && p.settled() {
		p = nil
	}

	data := m.buf + fragment
	if !strings.Contains(data, lineDelimiter) {
		// Prompts arrive without a terminator, so the partial line is
		// matched as it grows.
		m.buf = data
		partial := strings.TrimSpace(data)
		if p == nil || partial == "" {
			return nil, match
		}
		if i := p.index(partial); i >= 0 {
			return []string{partial}, i
		}
		return nil, match
	}

	m.buf = ""
	for _, raw := range strings.Split(data, lineDelimiter) {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		logged = append(logged, line)
		if p == nil {
			continue
		}
		if i := p.index(line); i >= 0 {
			if match < 0 {
				match = i
			}
			continue
		}
		p.result = append(p.result, line)
	}
	return logged, match
}
