// Package notify delivers emergency notices to a subject's contacts.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"

	"github.com/carecompanion/sosd/internal/emergency"
)

// DefaultTimeout bounds one contact's delivery.
const DefaultTimeout = 10 * time.Second

// Sender delivers one text message to one phone number.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// Error is a failed delivery to one contact. It matches
// emergency.ErrNotification.
type Error struct {
	ContactID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("notify contact %s: %v", e.ContactID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches emergency.ErrNotification.
func (e *Error) Is(target error) bool { return target == emergency.ErrNotification }

// Fanout sends a notice to every contact in parallel. A slow, failing or
// panicking delivery only affects its own outcome.
type Fanout struct {
	sender  Sender
	logger  log.Logger
	timeout time.Duration
}

// NewFanout creates a Fanout. A non-positive timeout uses DefaultTimeout.
func NewFanout(sender Sender, logger log.Logger, timeout time.Duration) *Fanout {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Fanout{sender: sender, logger: logger, timeout: timeout}
}

// NotifyContacts implements emergency.ContactNotifier. Outcomes are in
// contact order.
func (f *Fanout) NotifyContacts(ctx context.Context, n *emergency.Notice, contacts []*emergency.Contact) []emergency.NotifyOutcome {
	msg := Message(n.SubjectName, n.Location)
	outcomes := make([]emergency.NotifyOutcome, len(contacts))

	// notifyOne never fails the group; each outcome lands in its own slot.
	var g errgroup.Group
	for i, c := range contacts {
		g.Go(func() error {
			outcomes[i] = f.notifyOne(ctx, c, msg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (f *Fanout) notifyOne(ctx context.Context, c *emergency.Contact, msg string) (out emergency.NotifyOutcome) {
	out.ContactID = c.ID

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Err = &Error{ContactID: c.ID, Err: fmt.Errorf("panic: %v", r)}
			f.logger.Error(ctx, out.Err, "contact sender panicked", "contact_id", c.ID)
		}
	}()

	if err := f.sender.Send(ctx, c.Phone, msg); err != nil {
		out.Err = &Error{ContactID: c.ID, Err: err}
		return out
	}
	out.Success = true
	return out
}

// Message renders the text every contact receives.
func Message(name string, loc emergency.Location) string {
	return "\U0001f6a8 EMERGENCY ALERT\n" +
		name + " has triggered an SOS alert.\n" +
		"\U0001f4cd Location: " + FormatLocation(loc) + "\n" +
		"Please respond immediately or call emergency services.\n" +
		"- CareCompanion App"
}

// FormatLocation renders a map link when both coordinates are known, else the
// address, else a placeholder.
func FormatLocation(loc emergency.Location) string {
	switch {
	case loc.HasCoordinates():
		return "https://maps.google.com/?q=" + formatCoord(*loc.Latitude) + "," + formatCoord(*loc.Longitude)
	case loc.Address != "":
		return loc.Address
	default:
		return "Location unavailable"
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
