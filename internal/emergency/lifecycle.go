package emergency

import "time"

type transition struct {
	from, to Status
}

// transitions is the legal state table. The value is true when the
// transition may be requested by the subject; system-only transitions are
// driven by the trigger orchestration.
var transitions = map[transition]bool{
	{StatusPending, StatusDispatched}:   false,
	{StatusPending, StatusCancelled}:    true,
	{StatusDispatched, StatusResolved}:  true,
	{StatusDispatched, StatusCancelled}: true,
}

// CanTransition reports whether from -> to is in the legal table.
func CanTransition(from, to Status) bool {
	_, ok := transitions[transition{from, to}]
	return ok
}

// requestable reports whether the subject may ask for from -> to.
func requestable(from, to Status) bool {
	return transitions[transition{from, to}]
}

// markDispatched records a completed dispatch attempt. Flags only ever move
// false -> true and the reference is set at most once.
func (a *Alert) markDispatched(res *DispatchResult, dispatchErr error) error {
	if !CanTransition(a.Status, StatusDispatched) {
		return &TransitionError{From: a.Status, To: StatusDispatched}
	}
	a.Status = StatusDispatched
	if dispatchErr == nil {
		a.ResponderNotified = true
	}
	if res != nil && res.Reference != "" && a.DispatchReference == "" {
		a.DispatchReference = res.Reference
	}
	return nil
}

// markContactsNotified sets ContactsNotified when at least one delivery
// succeeded. Terminal alerts are frozen.
func (a *Alert) markContactsNotified(outcomes []NotifyOutcome) (bool, error) {
	if !anySucceeded(outcomes) {
		return false, nil
	}
	if a.Status.Terminal() {
		return false, &TransitionError{From: a.Status, To: a.Status}
	}
	a.ContactsNotified = true
	return true, nil
}

// close applies a subject-requested transition to a terminal or
// intermediate state and stamps ResolvedAt exactly once.
func (a *Alert) close(to Status, notes string, now time.Time) error {
	if !requestable(a.Status, to) {
		return &TransitionError{From: a.Status, To: to}
	}
	a.Status = to
	if notes != "" {
		a.ResolutionNotes = notes
	}
	if to.Terminal() && a.ResolvedAt == nil {
		t := now.UTC()
		a.ResolvedAt = &t
	}
	return nil
}

func anySucceeded(outcomes []NotifyOutcome) bool {
	for _, o := range outcomes {
		if o.Success {
			return true
		}
	}
	return false
}
