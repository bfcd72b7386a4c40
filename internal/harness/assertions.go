package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/canvassync/internal/engine"
)

// Assertion types reported in AssertionError.
const (
	AssertExists       = "exists"
	AssertContent      = "content"
	AssertParticipants = "participants"
	AssertOnline       = "online"
	AssertOperations   = "operations"
)

// AssertionError is returned when an expectation fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Session  string
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s (session %s)\n", e.Type, e.Session)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateExpectations checks every expectation against eng and returns
// one message per failure. resolve maps session labels to engine ids.
func EvaluateExpectations(eng *engine.Engine, resolve func(string) string, exps []Expectation) []string {
	var errs []string
	for _, exp := range exps {
		for _, err := range evaluate(eng, resolve(exp.Session), exp) {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(eng *engine.Engine, sessionID string, exp Expectation) []error {
	session, exists := eng.Session(sessionID)

	if exp.Exists != nil && *exp.Exists != exists {
		return []error{&AssertionError{
			Type:     AssertExists,
			Session:  sessionID,
			Expected: fmt.Sprintf("exists=%t", *exp.Exists),
			Actual:   fmt.Sprintf("exists=%t", exists),
		}}
	}
	if !exists {
		if exp.Content != nil || exp.Participants != nil || exp.Online != nil || exp.Operations != nil {
			return []error{&AssertionError{
				Type:     AssertExists,
				Session:  sessionID,
				Expected: "session to exist",
				Actual:   "session not found",
			}}
		}
		return nil
	}

	var errs []error
	if exp.Content != nil {
		content, _ := eng.DocumentContent(sessionID)
		if content != *exp.Content {
			errs = append(errs, &AssertionError{
				Type:     AssertContent,
				Session:  sessionID,
				Expected: fmt.Sprintf("%q", *exp.Content),
				Actual:   fmt.Sprintf("%q", content),
			})
		}
	}

	if exp.Participants != nil {
		var ids []string
		for _, p := range session.Participants {
			ids = append(ids, p.ID)
		}
		// Participants keep first-join order, so the comparison is ordered.
		if !equalStrings(ids, exp.Participants) {
			errs = append(errs, &AssertionError{
				Type:     AssertParticipants,
				Session:  sessionID,
				Expected: fmt.Sprint(exp.Participants),
				Actual:   fmt.Sprint(ids),
			})
		}
	}

	if exp.Online != nil {
		var online []string
		for _, p := range session.Participants {
			if p.IsOnline {
				online = append(online, p.ID)
			}
		}
		want := append([]string(nil), exp.Online...)
		sort.Strings(online)
		sort.Strings(want)
		if !equalStrings(online, want) {
			errs = append(errs, &AssertionError{
				Type:     AssertOnline,
				Session:  sessionID,
				Expected: fmt.Sprint(want),
				Actual:   fmt.Sprint(online),
			})
		}
	}

	if exp.Operations != nil {
		n := len(eng.Operations(sessionID))
		if n != *exp.Operations {
			errs = append(errs, &AssertionError{
				Type:     AssertOperations,
				Session:  sessionID,
				Expected: fmt.Sprintf("%d operations", *exp.Operations),
				Actual:   fmt.Sprintf("%d operations", n),
			})
		}
	}
	return errs
}

// equalStrings treats nil and empty as equal.
func equalStrings(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
