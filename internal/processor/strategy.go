/**
 * Extraction strategy state machine
 *
 * Strategies run in a fixed escalation order: geometric, pattern, LLM.
 * Each attempt is recorded in the audit trail with its outcome so a
 * reviewer can see why a document ended up on the path it did. The
 * machine refuses illegal transitions: no strategy runs twice, nothing
 * runs after finalization, and the LLM never runs before the cheap
 * strategies have had their chance.
 */

package processor

import (
	"fmt"
	"time"
)

// Strategy names as stored with the extraction
const (
	StrategyGeometric = "geometric"
	StrategyPattern   = "pattern"
	StrategyLLM       = "llm"
	StrategyNone      = "none"
)

// StrategyState is a phase of the extraction attempt sequence
type StrategyState string

const (
	StateInitial            StrategyState = "initial"
	StateGeometricAttempted StrategyState = "geometric_attempted"
	StatePatternAttempted   StrategyState = "pattern_attempted"
	StateLLMAttempted       StrategyState = "llm_attempted"
	StateFinalized          StrategyState = "finalized"
)

// StrategyAttempt is one audit-trail entry
type StrategyAttempt struct {
	Strategy  string    `json:"strategy"`
	ItemCount int       `json:"item_count"`
	Accepted  bool      `json:"accepted"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}

// StrategyMachine tracks which strategies ran for a document
type StrategyMachine struct {
	state    StrategyState
	attempts []StrategyAttempt
	winner   string
}

// NewStrategyMachine starts in the initial state
func NewStrategyMachine() *StrategyMachine {
	return &StrategyMachine{state: StateInitial, winner: StrategyNone}
}

// State returns the current phase
func (m *StrategyMachine) State() StrategyState {
	return m.state
}

// Winner returns the accepted strategy, or "none"
func (m *StrategyMachine) Winner() string {
	return m.winner
}

// Attempts returns the audit trail
func (m *StrategyMachine) Attempts() []StrategyAttempt {
	return m.attempts
}

// RecordGeometric records the geometric attempt. Legal only from the
// initial state.
func (m *StrategyMachine) RecordGeometric(itemCount int, accepted bool, note string) error {
	if m.state != StateInitial {
		return fmt.Errorf("geometric strategy cannot run from state %s", m.state)
	}
	m.record(StrategyGeometric, itemCount, accepted, note)
	m.state = StateGeometricAttempted
	return nil
}

// RecordPattern records the pattern attempt. Legal only after the
// geometric attempt and before finalization.
func (m *StrategyMachine) RecordPattern(itemCount int, accepted bool, note string) error {
	if m.state != StateGeometricAttempted {
		return fmt.Errorf("pattern strategy cannot run from state %s", m.state)
	}
	m.record(StrategyPattern, itemCount, accepted, note)
	m.state = StatePatternAttempted
	return nil
}

// RecordLLM records the LLM attempt. Legal only after both cheap
// strategies have been tried.
func (m *StrategyMachine) RecordLLM(itemCount int, accepted bool, note string) error {
	if m.state != StatePatternAttempted {
		return fmt.Errorf("llm strategy cannot run from state %s", m.state)
	}
	m.record(StrategyLLM, itemCount, accepted, note)
	m.state = StateLLMAttempted
	return nil
}

// Finalize closes the machine. Legal from any post-initial state; a
// finalized machine accepts no further attempts.
func (m *StrategyMachine) Finalize() error {
	if m.state == StateInitial {
		return fmt.Errorf("cannot finalize before any strategy ran")
	}
	if m.state == StateFinalized {
		return fmt.Errorf("already finalized")
	}
	m.state = StateFinalized
	return nil
}

func (m *StrategyMachine) record(strategy string, itemCount int, accepted bool, note string) {
	m.attempts = append(m.attempts, StrategyAttempt{
		Strategy:  strategy,
		ItemCount: itemCount,
		Accepted:  accepted,
		Note:      note,
		At:        time.Now(),
	})
	if accepted {
		m.winner = strategy
	}
}
