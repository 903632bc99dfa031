// Package statemachine validates status transitions for a job. It is
// pure and store-free: Validate and Apply take a types.Status and an
// event and return the next status, and nothing here touches the
// filesystem.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/sbs/pkg/types"
)

// ErrIllegalTransition indicates an event is not legal from the given
// source status.
var ErrIllegalTransition = errors.New("statemachine: illegal transition")

// Event names a transition trigger from spec.md §4.2.
type Event string

const (
	EventDepsSatisfied  Event = "deps_satisfied"
	EventDepFailed      Event = "dep_failed"
	EventDepCancelled   Event = "dep_cancelled"
	EventRelease        Event = "release"
	EventHold           Event = "hold"
	EventDispatch       Event = "dispatch"
	EventChildSucceeded Event = "child_succeeded"
	EventChildFailed    Event = "child_failed"
	EventCancel         Event = "cancel"
)

type edge struct {
	from types.Status
	on   Event
}

// table encodes spec.md §4.2's transition table. "any non-terminal"
// cancel edges are expanded explicitly rather than modeled with a
// wildcard, so Validate stays a single map lookup.
var table = map[edge]types.Status{
	{types.StatusHold, EventDepsSatisfied}: types.StatusQueued,
	{types.StatusHold, EventDepFailed}:     types.StatusCancel,
	{types.StatusHold, EventDepCancelled}:  types.StatusCancel,

	{types.StatusUserHold, EventRelease}: types.StatusHold,
	{types.StatusHold, EventHold}:        types.StatusUserHold,
	{types.StatusQueued, EventHold}:      types.StatusUserHold,

	{types.StatusQueued, EventDispatch}:        types.StatusRunning,
	{types.StatusRunning, EventChildSucceeded}: types.StatusSuccess,
	{types.StatusRunning, EventChildFailed}:    types.StatusError,

	{types.StatusUserHold, EventCancel}: types.StatusCancel,
	{types.StatusHold, EventCancel}:     types.StatusCancel,
	{types.StatusQueued, EventCancel}:   types.StatusCancel,
	{types.StatusRunning, EventCancel}:  types.StatusCancel,
}

// Validate reports the destination status for (from, on), and whether
// the edge is legal.
func Validate(from types.Status, on Event) (types.Status, bool) {
	to, ok := table[edge{from, on}]
	return to, ok
}

// Apply is Validate wrapped in an error, for call sites that want a
// single err-or-status return.
func Apply(from types.Status, on Event) (types.Status, error) {
	to, ok := Validate(from, on)
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, on, from)
	}
	return to, nil
}

// Initial returns the submission-time status, depending on whether
// hold was requested.
func Initial(holdRequested bool) types.Status {
	if holdRequested {
		return types.StatusUserHold
	}
	return types.StatusHold
}
