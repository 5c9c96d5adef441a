package transaction

import (
	"fmt"

	"github.com/ryanfaerman/fsm"

	"github.com/sushant-115/gojosession/core/dberror"
)

// Phases of a session's transaction state.
const (
	PhaseNotActive  = fsm.State("not_active") // No store transaction is open.
	PhaseActive     = fsm.State("active")     // An explicit transaction opened by Begin.
	PhaseAutocommit = fsm.State("autocommit") // An implicit transaction opened by Start.
)

// Operations that move a State. Guards on the ruleset decide which of them
// may take each transition.
const (
	opBegin    = "Begin"
	opStart    = "Start"
	opEnd      = "End"
	opCommit   = "Commit"
	opRollback = "Rollback"
	opFail     = "Fail"
)

// Map of all valid phase transitions and the operations allowed to take them.
var transitions = map[fsm.T][]string{
	{O: PhaseNotActive, E: PhaseActive}:      {opBegin},
	{O: PhaseNotActive, E: PhaseAutocommit}:  {opStart},
	{O: PhaseActive, E: PhaseActive}:         {opStart, opEnd},
	{O: PhaseActive, E: PhaseNotActive}:      {opCommit, opRollback},
	{O: PhaseAutocommit, E: PhaseAutocommit}: {opStart, opEnd},
	{O: PhaseAutocommit, E: PhaseNotActive}:  {opEnd, opFail},
}

var rules = newRules()

func newRules() fsm.Ruleset {
	rules := fsm.Ruleset{}
	for t, ops := range transitions {
		rules.AddTransition(t)
		rules.AddRule(t, allowOps(ops...))
	}
	// Only the outermost End closes an auto-transaction; inner ones stay.
	rules.AddRule(fsm.T{O: PhaseAutocommit, E: PhaseNotActive}, func(subject fsm.Stater, _ fsm.State) bool {
		m := subject.(*move)
		return m.op != opEnd || m.depth == 1
	})
	rules.AddRule(fsm.T{O: PhaseAutocommit, E: PhaseAutocommit}, func(subject fsm.Stater, _ fsm.State) bool {
		m := subject.(*move)
		return m.op != opEnd || m.depth > 1
	})
	return rules
}

func allowOps(ops ...string) fsm.Guard {
	return func(subject fsm.Stater, _ fsm.State) bool {
		m := subject.(*move)
		for _, op := range ops {
			if m.op == op {
				return true
			}
		}
		return false
	}
}

// move is the fsm subject for one attempted transition: the phase it starts
// from plus the operation and depth the guards look at.
type move struct {
	state fsm.State
	op    string
	depth int
}

func (m *move) CurrentState() fsm.State  { return m.state }
func (m *move) SetState(state fsm.State) { m.state = state }

// State is the transaction state of a session: NotActive, Active, or
// Autocommit with a nesting depth of at least one. The zero value is
// NotActive. State is immutable; transition methods return the next State.
type State struct {
	phase fsm.State
	depth int
}

// NotActive returns the state with no open transaction.
func NotActive() State { return State{} }

// Active returns the explicit transaction state.
func Active() State { return State{phase: PhaseActive} }

// Autocommit returns the implicit transaction state at depth. Depths below
// one are raised to one.
func Autocommit(depth int) State {
	if depth < 1 {
		depth = 1
	}
	return State{phase: PhaseAutocommit, depth: depth}
}

// Phase returns the phase of s.
func (s State) Phase() fsm.State {
	if s.phase == "" {
		return PhaseNotActive
	}
	return s.phase
}

// Depth returns the auto-transaction nesting depth; zero outside Autocommit.
func (s State) Depth() int { return s.depth }

func (s State) IsNotActive() bool  { return s.Phase() == PhaseNotActive }
func (s State) IsActive() bool     { return s.Phase() == PhaseActive }
func (s State) IsAutocommit() bool { return s.Phase() == PhaseAutocommit }

func (s State) String() string {
	if s.IsAutocommit() {
		return fmt.Sprintf("%s(%d)", s.Phase(), s.depth)
	}
	return string(s.Phase())
}

// to asks the ruleset whether op may move s to next. A refused move leaves s
// unchanged and returns the error callers of op see.
func (s State) to(op string, next State) (State, error) {
	m := fsm.New(fsm.WithRules(rules), fsm.WithSubject(&move{state: s.Phase(), op: op, depth: s.depth}))
	if err := m.Transition(next.Phase()); err != nil {
		return s, s.refused(op, err)
	}
	return next, nil
}

func (s State) refused(op string, err error) error {
	switch op {
	case opBegin:
		return dberror.User(op, dberror.ErrTxnAlreadyActive)
	case opCommit, opRollback:
		if s.IsNotActive() {
			return dberror.User(op, dberror.ErrTxnNotActive)
		}
		return dberror.Internal(op, fmt.Errorf("%w: %s", dberror.ErrTxnInvalidState, s))
	case opEnd:
		if s.IsNotActive() {
			return dberror.Internal(op, dberror.ErrUnbalancedEnd)
		}
	}
	return dberror.Internal(op, fmt.Errorf("%s from %s: %w", op, s, err))
}

// Begin moves NotActive to Active. Any other phase is a user error.
func (s State) Begin() (State, error) {
	return s.to(opBegin, Active())
}

// Start enters an auto-transaction: NotActive becomes Autocommit(1), Active
// is unchanged and Autocommit nests one level deeper.
func (s State) Start() State {
	next := Autocommit(s.depth + 1)
	if s.IsActive() {
		next = s
	}
	next, err := s.to(opStart, next)
	if err != nil {
		// Every phase accepts Start.
		panic(err)
	}
	return next
}

// End leaves an auto-transaction. commit reports that the outermost level
// was left and the transaction must now be committed. End from NotActive is
// an internal error: it means start/end pairing was lost.
func (s State) End() (next State, commit bool, err error) {
	next = s
	switch {
	case s.depth == 1:
		next = NotActive()
	case s.depth > 1:
		next = Autocommit(s.depth - 1)
	}
	next, err = s.to(opEnd, next)
	return next, err == nil && s.IsAutocommit() && next.IsNotActive(), err
}

// Commit moves Active to NotActive.
func (s State) Commit() (State, error) {
	return s.to(opCommit, NotActive())
}

// Rollback moves Active to NotActive.
func (s State) Rollback() (State, error) {
	return s.to(opRollback, NotActive())
}

// Fail abandons an auto-transaction regardless of depth. Active and
// NotActive are returned unchanged.
func (s State) Fail() State {
	next, err := s.to(opFail, NotActive())
	if err != nil {
		return s
	}
	return next
}
