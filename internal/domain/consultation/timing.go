package consultation

import "fmt"

// DisputeWindow is the period after completion during which the patient may
// dispute, in milliseconds.
const DisputeWindow uint64 = 24 * 60 * 60 * 1000

func elapsedSince(now, since uint64) (uint64, bool) {
	if now < since {
		return 0, false
	}
	return now - since, true
}

// CheckRelease decides whether a completed consultation may be released at now.
// The administrator may release before the window elapses, but never when
// now precedes completion.
func CheckRelease(now, completedAt uint64, administrator bool) error {
	elapsed, ok := elapsedSince(now, completedAt)
	if !ok {
		return fmt.Errorf("%w: %w: now %d precedes completion %d", ErrTooEarlyToRelease, ErrClockSkew, now, completedAt)
	}
	if elapsed >= DisputeWindow || administrator {
		return nil
	}
	return fmt.Errorf("%w: %d ms of dispute window remaining", ErrTooEarlyToRelease, DisputeWindow-elapsed)
}

// CheckDispute allows a dispute strictly inside the window.
func CheckDispute(now, completedAt uint64) error {
	elapsed, ok := elapsedSince(now, completedAt)
	if !ok {
		return fmt.Errorf("%w: %w: now %d precedes completion %d", ErrDisputeWindowExpired, ErrClockSkew, now, completedAt)
	}
	if elapsed >= DisputeWindow {
		return fmt.Errorf("%w: %d ms since completion", ErrDisputeWindowExpired, elapsed)
	}
	return nil
}

// CheckNoShow allows a no-show report once the scheduled time is reached.
func CheckNoShow(now, scheduledTime uint64) error {
	if now < scheduledTime {
		return fmt.Errorf("%w: consultation scheduled at %d", ErrTooEarlyToRelease, scheduledTime)
	}
	return nil
}

// FullCancellationRefund reports whether cancelling at now refunds the whole
// amount: more than one dispute window must remain before the appointment.
func FullCancellationRefund(now, scheduledTime uint64) bool {
	var remaining uint64
	if scheduledTime > now {
		remaining = scheduledTime - now
	}
	return remaining > DisputeWindow
}
