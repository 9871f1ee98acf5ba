package diff

import "time"

// Observation is what one view knows about a path. A nil *Observation means
// the path is absent from that view.
type Observation struct {
	Timestamp time.Time
	Dir       bool

	// RemoteTimestamp is set on a baseline observation whose remote side was
	// synced with a different timestamp than the local side.
	RemoteTimestamp time.Time
}

// remoteSide is o as the remote store last saw it.
func (o *Observation) remoteSide() *Observation {
	if o.RemoteTimestamp.IsZero() {
		return o
	}
	return &Observation{Timestamp: o.RemoteTimestamp, Dir: o.Dir}
}

// order compares a against ref. Two directories always compare equal.
// Equal timestamps are "unchanged": an edit landing in the same clock tick
// as the saved state is not detected.
func order(a, ref *Observation) int {
	if a.Dir && ref.Dir {
		return 0
	}
	switch {
	case a.Timestamp.After(ref.Timestamp):
		return 1
	case a.Timestamp.Before(ref.Timestamp):
		return -1
	}
	return 0
}

// Classify maps the baseline, local and remote observations of one path to a
// kind. ok is false when nothing needs to happen.
func Classify(b, l, r *Observation) (kind Kind, ok bool) {
	switch {
	case b == nil && l == nil && r == nil:
		return 0, false

	case b == nil && l != nil && r != nil:
		switch order(l, r) {
		case 1:
			return ConflictAddLocalNewer, true
		case -1:
			return ConflictAddRemoteNewer, true
		}
		return ResyncLocal, true

	case b == nil && l != nil:
		return LocalAdded, true

	case b == nil:
		return RemoteAdded, true

	case l == nil && r == nil:
		return RemovedOnBothSides, true

	case l == nil:
		if order(r, b.remoteSide()) == 0 {
			return LocalRemoved, true
		}
		// Changed on remote since the local delete; the remote copy wins.
		return RemoteAdded, true

	case r == nil:
		if order(l, b) == 0 {
			return RemoteRemoved, true
		}
		return LocalAdded, true
	}

	lo, ro := order(l, b), order(r, b.remoteSide())
	switch {
	case lo == 0 && ro == 0:
		return 0, false
	case lo == 0 && ro > 0:
		return RemoteUpgraded, true
	case lo == 0:
		return ErrorRemoteDowngraded, true
	case ro == 0 && lo > 0:
		return LocalUpgraded, true
	case ro == 0:
		return ErrorLocalDowngraded, true
	case lo > 0 && ro > 0:
		return ConflictBothUpgraded, true
	case lo < 0 && ro < 0:
		return ConflictBothDowngraded, true
	case lo > 0:
		return ConflictLocalUpgradedRemoteDowngraded, true
	default:
		return ConflictLocalDowngradedRemoteUpgraded, true
	}
}
