package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/canvassync/internal/engine"
	"github.com/roach88/canvassync/internal/ir"
	"github.com/roach88/canvassync/internal/testutil"
)

// DefaultLocal is the local participant id used when a scenario sets none.
const DefaultLocal = "local"

// Epoch is the first clock reading of every scenario run.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// errNoSnapshot is reported by a restore step with nothing serialized.
var errNoSnapshot = errors.New("no serialized snapshot for session")

// Harness runs one scenario against a fresh engine with deterministic
// ids and time.
type Harness struct {
	engine *engine.Engine
	clock  *testutil.SteppingClock
	logger *slog.Logger

	sessions map[string]string // label -> engine session id
	blobs    map[string][]byte // label -> last serialized snapshot
}

// Run executes a scenario and returns the result.
//
// Session ids are s-1, s-2, ... and operation ids op-1, op-2, ... in
// creation order; the clock starts at Epoch and advances one second per
// reading. The same scenario therefore produces the same trace on every run.
//
// Step failures and failed expectations are reported in the result; the
// returned error is reserved for scenarios that cannot run at all.
func Run(scenario *Scenario) (*Result, error) {
	if scenario == nil {
		return nil, fmt.Errorf("nil scenario")
	}

	local := scenario.Local
	if local == "" {
		local = DefaultLocal
	}
	clock := testutil.NewSteppingClock(Epoch, time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := []engine.Option{
		engine.WithSessionIDs(testutil.NewSequenceGenerator("s")),
		engine.WithOperationIDs(testutil.NewSequenceGenerator("op")),
		engine.WithClock(clock.Now),
		engine.WithLocalParticipant(local),
		engine.WithLogger(logger),
	}
	if scenario.HistoryLimit > 0 {
		opts = append(opts, engine.WithHistoryLimit(scenario.HistoryLimit))
	}

	h := &Harness{
		engine:   engine.New(opts...),
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]string),
		blobs:    make(map[string][]byte),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(step)
		ev.Step = i + 1
		result.AddTrace(ev)

		switch {
		case step.Error != "" && ev.Outcome != step.Error:
			result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %s", ev.Step, step.Action, step.Error, ev.Outcome))
		case step.Error == "" && err != nil:
			result.AddError(fmt.Sprintf("step %d (%s): %v", ev.Step, step.Action, err))
		}
	}

	for _, msg := range EvaluateExpectations(h.engine, h.resolve, scenario.Expect) {
		result.AddError(msg)
	}
	return result, nil
}

// resolve maps a session label to the engine id. Labels that were never
// created resolve to themselves so steps can address unknown sessions.
func (h *Harness) resolve(label string) string {
	if id, ok := h.sessions[label]; ok {
		return id
	}
	return label
}

// execute runs one step. The returned event carries the outcome even when
// err is non-nil.
func (h *Harness) execute(step Step) (TraceEvent, error) {
	e := h.engine
	id := h.resolve(step.Session)
	ev := TraceEvent{
		Action:      step.Action,
		Session:     id,
		Participant: step.Participant,
		Outcome:     OutcomeOK,
	}

	var err error
	withContent := false
	switch step.Action {
	case ActionCreate:
		s := e.CreateSession(step.Document, step.Content)
		h.sessions[step.Session] = s.ID
		ev.Session = s.ID
		withContent = true

	case ActionJoin:
		err = e.JoinSession(id, ir.Participant{ID: step.Participant, Name: step.Name, Color: step.Color})

	case ActionLeave:
		e.LeaveSession(id, step.Participant)

	case ActionInsert, ActionDelete:
		restore := h.actAs(step.Participant)
		_, err = e.ApplyLocalUpdate(id, ir.Update{
			Kind:     ir.OpKind(step.Action),
			Position: step.Position,
			Text:     step.Text,
			Length:   step.Length,
		})
		restore()
		if err == nil {
			ev.Operations = 1
		}
		withContent = true

	case ActionText:
		restore := h.actAs(step.Participant)
		var ops []ir.Operation
		ops, err = e.ApplyLocalText(id, step.Content)
		restore()
		ev.Operations = len(ops)
		withContent = true

	case ActionRemote:
		op := ir.Operation{
			ID:            step.ID,
			Kind:          ir.OpKind(step.Kind),
			Position:      step.Position,
			Text:          step.Text,
			Length:        step.Length,
			ParticipantID: step.Participant,
			Timestamp:     ir.Millis(h.clock.Now()),
			Clock:         ir.NewCausalStamp(ir.ClockEntry{ParticipantID: step.Participant, Counter: 1}),
		}
		if !e.ApplyRemoteUpdate(id, op) {
			ev.Outcome = OutcomeIgnored
		}
		withContent = true

	case ActionCursor:
		e.UpdateCursor(id, step.Participant, ir.Cursor{Line: step.Line, Column: step.Column})

	case ActionClose:
		e.CloseSession(id)

	case ActionSerialize:
		var blob []byte
		blob, err = e.SerializeState(id)
		if err == nil {
			h.blobs[step.Session] = blob
		}

	case ActionRestore:
		blob, ok := h.blobs[step.Session]
		if !ok {
			err = errNoSnapshot
			break
		}
		var restored string
		restored, err = e.DeserializeState(blob)
		if err == nil {
			h.sessions[step.Session] = restored
			ev.Session = restored
		}
		withContent = true

	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}

	if err != nil {
		ev.Outcome = errorCode(err)
		h.logger.Debug("step failed", "action", step.Action, "session", id, "error", err)
		return ev, err
	}
	if withContent {
		ev.Content, _ = e.DocumentContent(ev.Session)
	}
	return ev, nil
}

// actAs switches the engine's local participant for one step and returns
// the function that switches it back.
func (h *Harness) actAs(participant string) func() {
	prev := h.engine.LocalParticipantID()
	if participant == "" || participant == prev {
		return func() {}
	}
	h.engine.SetLocalParticipantID(participant)
	return func() { h.engine.SetLocalParticipantID(prev) }
}

// errorCode returns the engine code of err, or a harness code.
func errorCode(err error) string {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return string(engErr.Code)
	}
	if errors.Is(err, errNoSnapshot) {
		return "NO_SNAPSHOT"
	}
	return "ERROR"
}
