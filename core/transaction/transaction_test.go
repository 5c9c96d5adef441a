package transaction

import (
	"testing"

	"github.com/ryanfaerman/fsm"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojosession/core/dberror"
)

func TestState_ZeroValueIsNotActive(t *testing.T) {
	var s State
	require.True(t, s.IsNotActive())
	require.Equal(t, NotActive(), s)
	require.Equal(t, 0, s.Depth())
}

func TestState_StartEndDepthSequence(t *testing.T) {
	s := NotActive()
	s = s.Start()
	require.Equal(t, Autocommit(1), s)
	s = s.Start()
	require.Equal(t, Autocommit(2), s)

	s, commit, err := s.End()
	require.NoError(t, err)
	require.False(t, commit)
	require.Equal(t, Autocommit(1), s)

	s, commit, err = s.End()
	require.NoError(t, err)
	require.True(t, commit, "leaving the outermost level must commit")
	require.True(t, s.IsNotActive())
}

func TestState_StartInActiveIsNoop(t *testing.T) {
	s := Active()
	require.Equal(t, Active(), s.Start())

	next, commit, err := s.End()
	require.NoError(t, err)
	require.False(t, commit)
	require.Equal(t, Active(), next)
}

func TestState_EndFromNotActiveIsInternal(t *testing.T) {
	_, _, err := NotActive().End()
	require.Error(t, err)
	require.True(t, dberror.IsInternal(err))
	require.ErrorIs(t, err, dberror.ErrUnbalancedEnd)
}

func TestState_BeginRequiresNotActive(t *testing.T) {
	next, err := NotActive().Begin()
	require.NoError(t, err)
	require.Equal(t, Active(), next)

	for _, s := range []State{Active(), Autocommit(1), Autocommit(3)} {
		got, err := s.Begin()
		require.Error(t, err, s.String())
		require.True(t, dberror.IsUser(err))
		require.Equal(t, s, got, "state must be unchanged")
	}
}

func TestState_CommitAndRollback(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		wantKind dberror.Kind
	}{
		{name: "active", state: Active(), wantKind: dberror.KindUnknown},
		{name: "not active", state: NotActive(), wantKind: dberror.KindUser},
		{name: "autocommit", state: Autocommit(2), wantKind: dberror.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, fn := range []func() (State, error){tt.state.Commit, tt.state.Rollback} {
				next, err := fn()
				if tt.wantKind == dberror.KindUnknown {
					require.NoError(t, err)
					require.True(t, next.IsNotActive())
					continue
				}
				require.Error(t, err)
				require.Equal(t, tt.wantKind, dberror.KindOf(err))
				require.Equal(t, tt.state, next)
			}
		})
	}
}

func TestState_FailForcesNotActiveFromAnyDepth(t *testing.T) {
	require.True(t, Autocommit(5).Fail().IsNotActive())
	require.Equal(t, Active(), Active().Fail())
	require.Equal(t, NotActive(), NotActive().Fail())
}

func TestState_AutocommitDepthNeverBelowOne(t *testing.T) {
	require.Equal(t, 1, Autocommit(0).Depth())
	require.Equal(t, 1, Autocommit(-4).Depth())
	require.Equal(t, "autocommit(3)", Autocommit(3).String())
	require.Equal(t, "active", Active().String())
}

func TestRules_RefuseMovesOutsideTheTable(t *testing.T) {
	tests := []struct {
		name  string
		from  fsm.State
		op    string
		depth int
		to    fsm.State
		ok    bool
	}{
		{name: "begin", from: PhaseNotActive, op: opBegin, to: PhaseActive, ok: true},
		{name: "begin twice", from: PhaseActive, op: opBegin, to: PhaseActive},
		{name: "begin inside auto", from: PhaseAutocommit, op: opBegin, depth: 1, to: PhaseActive},
		{name: "commit nothing", from: PhaseNotActive, op: opCommit, to: PhaseNotActive},
		{name: "commit auto", from: PhaseAutocommit, op: opCommit, depth: 1, to: PhaseNotActive},
		{name: "fail explicit", from: PhaseActive, op: opFail, to: PhaseNotActive},
		{name: "inner end closes", from: PhaseAutocommit, op: opEnd, depth: 2, to: PhaseNotActive},
		{name: "outer end nests", from: PhaseAutocommit, op: opEnd, depth: 1, to: PhaseAutocommit},
		{name: "outer end", from: PhaseAutocommit, op: opEnd, depth: 1, to: PhaseNotActive, ok: true},
		{name: "fail deep", from: PhaseAutocommit, op: opFail, depth: 4, to: PhaseNotActive, ok: true},
		{name: "start nests", from: PhaseAutocommit, op: opStart, depth: 3, to: PhaseAutocommit, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject := &move{state: tt.from, op: tt.op, depth: tt.depth}
			err := fsm.New(fsm.WithRules(rules), fsm.WithSubject(subject)).Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				require.Equal(t, tt.to, subject.CurrentState())
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.from, subject.CurrentState(), "refused move must not change the subject")
		})
	}
}

func TestState_RefusedMovesMapToErrorKinds(t *testing.T) {
	_, err := Autocommit(1).Commit()
	require.True(t, dberror.IsInternal(err))
	require.ErrorIs(t, err, dberror.ErrTxnInvalidState)

	_, err = NotActive().Rollback()
	require.True(t, dberror.IsUser(err))
	require.ErrorIs(t, err, dberror.ErrTxnNotActive)

	_, err = Autocommit(2).Begin()
	require.True(t, dberror.IsUser(err))
	require.ErrorIs(t, err, dberror.ErrTxnAlreadyActive)
}
