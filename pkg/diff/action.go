package diff

import (
	"fmt"
	"strings"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/item"
)

// Kind classifies one path of a three-way comparison.
type Kind int

const (
	ResyncLocal Kind = iota
	LocalAdded
	RemoteAdded
	LocalUpgraded
	RemoteUpgraded
	LocalRemoved
	RemoteRemoved
	RemovedOnBothSides
	ErrorLocalDowngraded
	ErrorRemoteDowngraded
	ConflictAddLocalNewer
	ConflictAddRemoteNewer
	ConflictBothUpgraded
	ConflictBothDowngraded
	ConflictLocalUpgradedRemoteDowngraded
	ConflictLocalDowngradedRemoteUpgraded

	numKinds
)

type kindInfo struct {
	name  string
	glyph string // [local saved remote]
	desc  string

	scanned, baseline, remote bool
}

var kinds = [numKinds]kindInfo{
	ResyncLocal:        {"ResyncLocal", "= . =", "exists on both sides but was not tracked", true, false, false},
	LocalAdded:         {"LocalAdded", "+ . .", "added locally", true, false, false},
	RemoteAdded:        {"RemoteAdded", ". . +", "added on remote", false, false, true},
	LocalUpgraded:      {"LocalUpgraded", "> = =", "updated locally", true, false, true},
	RemoteUpgraded:     {"RemoteUpgraded", "= = >", "updated on remote", true, false, true},
	LocalRemoved:       {"LocalRemoved", "x = =", "deleted locally", false, true, true},
	RemoteRemoved:      {"RemoteRemoved", "= = x", "deleted on remote", true, false, false},
	RemovedOnBothSides: {"RemovedOnBothSides", "x = x", "deleted on both sides", false, true, false},

	ErrorLocalDowngraded:  {"ErrorLocalDowngraded", "< = =", "ERROR: local file was reverted to an older version", true, false, true},
	ErrorRemoteDowngraded: {"ErrorRemoteDowngraded", "= = <", "ERROR: remote file was reverted to an older version", true, false, true},

	ConflictAddLocalNewer:                 {"ConflictAddLocalNewer", "+ . +", "CONFLICT: added on both sides, local is newer", true, false, true},
	ConflictAddRemoteNewer:                {"ConflictAddRemoteNewer", "+ . +", "CONFLICT: added on both sides, remote is newer", true, false, true},
	ConflictBothUpgraded:                  {"ConflictBothUpgraded", "> = >", "CONFLICT: updated on both sides", true, true, true},
	ConflictBothDowngraded:                {"ConflictBothDowngraded", "< = <", "CONFLICT: reverted on both sides", true, true, true},
	ConflictLocalUpgradedRemoteDowngraded: {"ConflictLocalUpgradedRemoteDowngraded", "> = <", "CONFLICT: updated locally and reverted on remote", true, true, true},
	ConflictLocalDowngradedRemoteUpgraded: {"ConflictLocalDowngradedRemoteUpgraded", "< = >", "CONFLICT: reverted locally and updated on remote", true, true, true},
}

// Kinds returns every kind in declaration order.
func Kinds() []Kind {
	all := make([]Kind, numKinds)
	for i := range all {
		all[i] = Kind(i)
	}
	return all
}

func (k Kind) valid() bool { return k >= 0 && k < numKinds }

func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].name
}

// Glyph is a three column marker: local, saved state, remote.
func (k Kind) Glyph() string {
	if !k.valid() {
		return "? ? ?"
	}
	return kinds[k].glyph
}

// Description is a human readable explanation of k.
func (k Kind) Description() string {
	if !k.valid() {
		return "unknown"
	}
	return kinds[k].desc
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("kind %d: %w", int(k), errors.ErrInvalidAction)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range Kinds() {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("kind %q: %w", text, errors.ErrInvalidAction)
}

// IsConflict reports whether both sides changed independently.
func (k Kind) IsConflict() bool {
	switch k {
	case ConflictAddLocalNewer, ConflictAddRemoteNewer, ConflictBothUpgraded, ConflictBothDowngraded,
		ConflictLocalUpgradedRemoteDowngraded, ConflictLocalDowngradedRemoteUpgraded:
		return true
	}
	return false
}

// IsError reports whether one side moved backwards in time.
func (k Kind) IsError() bool {
	return k == ErrorLocalDowngraded || k == ErrorRemoteDowngraded
}

// IsPush reports whether applying k changes the remote store.
func (k Kind) IsPush() bool {
	return k == LocalAdded || k == LocalUpgraded || k == LocalRemoved
}

// IsPull reports whether applying k changes the local folder.
func (k Kind) IsPull() bool {
	return k == RemoteAdded || k == RemoteUpgraded || k == RemoteRemoved
}

// IsRemoval reports whether k removes the entry somewhere.
func (k Kind) IsRemoval() bool {
	return k == LocalRemoved || k == RemoteRemoved || k == RemovedOnBothSides
}

// Action is the outcome for one path. Its items are the live items of the
// trees it was computed from, not copies.
type Action struct {
	kind     Kind
	path     string
	scanned  item.Item
	baseline item.Item
	remote   item.Item
}

// New builds an action. The non-nil items must match the kind: see Kind for
// which of scanned, baseline and remote each kind carries.
func New(kind Kind, p string, scanned, baseline, remote item.Item) (Action, error) {
	if !kind.valid() {
		return Action{}, fmt.Errorf("kind %d: %w", int(kind), errors.ErrInvalidAction)
	}
	info := kinds[kind]
	if info.scanned != (scanned != nil) || info.baseline != (baseline != nil) || info.remote != (remote != nil) {
		return Action{}, fmt.Errorf("%s at %s needs %s: %w", kind, p, info.arity(), errors.ErrInvalidAction)
	}
	if p == "" {
		return Action{}, fmt.Errorf("%s: %w", kind, errors.ErrInvalidPath)
	}
	return Action{kind: kind, path: p, scanned: scanned, baseline: baseline, remote: remote}, nil
}

func (info kindInfo) arity() string {
	var parts []string
	if info.scanned {
		parts = append(parts, "scanned")
	}
	if info.baseline {
		parts = append(parts, "baseline")
	}
	if info.remote {
		parts = append(parts, "remote")
	}
	return strings.Join(parts, "+")
}

func (a Action) Kind() Kind { return a.kind }

// Path is the folder path the three trees were joined on.
func (a Action) Path() string { return a.path }

// Scanned is the item of the current local scan, or nil.
func (a Action) Scanned() item.Item { return a.scanned }

// Baseline is the item of the saved state, or nil.
func (a Action) Baseline() item.Item { return a.baseline }

// Remote is the item of the remote listing, or nil.
func (a Action) Remote() item.Item { return a.remote }

// IsDir reports whether the entry is a directory.
func (a Action) IsDir() bool {
	for _, it := range []item.Item{a.scanned, a.remote, a.baseline} {
		if it != nil {
			return !it.IsRegularFile()
		}
	}
	return false
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s", a.kind, a.path)
}

// Side picks the winner of a conflict.
type Side int

const (
	KeepLocal Side = iota
	KeepRemote
)

func (s Side) String() string {
	if s == KeepRemote {
		return "remote"
	}
	return "local"
}

// Resolve turns a conflict or error action into the transfer that keeps side.
// Other kinds are returned unchanged.
func Resolve(a Action, side Side) Action {
	if !a.kind.IsConflict() && !a.kind.IsError() {
		return a
	}

	resolved := Action{path: a.path, scanned: a.scanned, remote: a.remote}
	if side == KeepRemote {
		resolved.kind = RemoteUpgraded
	} else {
		resolved.kind = LocalUpgraded
	}
	return resolved
}
