package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func file(ts int64) *Observation { return &Observation{Timestamp: time.Unix(ts, 0)} }
func dir(ts int64) *Observation  { return &Observation{Timestamp: time.Unix(ts, 0), Dir: true} }

// synced is a baseline file whose local copy kept a coarser mtime than the
// remote one.
func synced(local, remote int64) *Observation {
	return &Observation{Timestamp: time.Unix(local, 0), RemoteTimestamp: time.Unix(remote, 0)}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		b, l, r *Observation
		want    Kind
		wantOK  bool
	}{
		{name: "added both local newer", l: file(20), r: file(10), want: ConflictAddLocalNewer, wantOK: true},
		{name: "added both remote newer", l: file(10), r: file(20), want: ConflictAddRemoteNewer, wantOK: true},
		{name: "added both equal", l: file(5), r: file(5), want: ResyncLocal, wantOK: true},
		{name: "added locally", l: file(5), want: LocalAdded, wantOK: true},
		{name: "added on remote", r: file(5), want: RemoteAdded, wantOK: true},

		{name: "remote downgraded", b: file(10), l: file(10), r: file(5), want: ErrorRemoteDowngraded, wantOK: true},
		{name: "remote upgraded", b: file(10), l: file(10), r: file(20), want: RemoteUpgraded, wantOK: true},
		{name: "local upgraded", b: file(10), l: file(20), r: file(10), want: LocalUpgraded, wantOK: true},
		{name: "local downgraded", b: file(10), l: file(5), r: file(10), want: ErrorLocalDowngraded, wantOK: true},
		{name: "both downgraded", b: file(10), l: file(5), r: file(5), want: ConflictBothDowngraded, wantOK: true},
		{name: "both upgraded", b: file(10), l: file(20), r: file(30), want: ConflictBothUpgraded, wantOK: true},
		{name: "local up remote down", b: file(10), l: file(20), r: file(5), want: ConflictLocalUpgradedRemoteDowngraded, wantOK: true},
		{name: "local down remote up", b: file(10), l: file(5), r: file(20), want: ConflictLocalDowngradedRemoteUpgraded, wantOK: true},
		{name: "unchanged", b: file(10), l: file(10), r: file(10), wantOK: false},

		{name: "deleted locally", b: file(10), r: file(10), want: LocalRemoved, wantOK: true},
		{name: "deleted locally but changed on remote", b: file(10), r: file(20), want: RemoteAdded, wantOK: true},
		{name: "deleted on remote", b: file(10), l: file(10), want: RemoteRemoved, wantOK: true},
		{name: "deleted on remote but changed locally", b: file(10), l: file(20), want: LocalAdded, wantOK: true},
		{name: "deleted on both sides", b: file(10), want: RemovedOnBothSides, wantOK: true},
		{name: "nowhere", wantOK: false},

		{name: "directory timestamps are ignored", b: dir(10), l: dir(20), r: dir(5), wantOK: false},
		{name: "directory added on both sides", l: dir(20), r: dir(5), want: ResyncLocal, wantOK: true},
		{name: "directory deleted locally", b: dir(10), r: dir(30), want: LocalRemoved, wantOK: true},
		{name: "coarse local mtime unchanged", b: synced(20, 21), l: file(20), r: file(21), wantOK: false},
		{name: "coarse local mtime remote upgraded", b: synced(20, 21), l: file(20), r: file(30), want: RemoteUpgraded, wantOK: true},
		{name: "coarse local mtime local upgraded", b: synced(20, 21), l: file(22), r: file(21), want: LocalUpgraded, wantOK: true},
		{name: "coarse local mtime deleted locally", b: synced(20, 21), r: file(21), want: LocalRemoved, wantOK: true},

		{name: "file replaced by directory", b: file(10), l: dir(20), r: file(10), want: LocalUpgraded, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.b, tt.l, tt.r)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// Every existence and ordering combination yields at most one kind, and equal
// timestamps never yield a conflict or an error.
func TestClassifyIsTotal(t *testing.T) {
	stamps := []int64{5, 10, 15}
	options := func() []*Observation {
		opts := []*Observation{nil}
		for _, ts := range stamps {
			opts = append(opts, file(ts))
		}
		return opts
	}

	seen := map[Kind]bool{}
	for _, b := range options() {
		for _, l := range options() {
			for _, r := range options() {
				kind, ok := Classify(b, l, r)
				if !ok {
					present := 0
					for _, o := range []*Observation{b, l, r} {
						if o != nil {
							present++
						}
					}
					assert.True(t, present == 0 || present == 3, "only unchanged or empty paths produce no action")
					continue
				}
				seen[kind] = true

				if allEqual(b, l, r) {
					assert.False(t, kind.IsConflict(), "%v %v %v gave %s", b, l, r, kind)
					assert.False(t, kind.IsError(), "%v %v %v gave %s", b, l, r, kind)
				}
			}
		}
	}
	assert.Len(t, seen, len(Kinds()), "every kind is reachable")
}

func allEqual(obs ...*Observation) bool {
	var ref *Observation
	for _, o := range obs {
		if o == nil {
			continue
		}
		if ref != nil && !ref.Timestamp.Equal(o.Timestamp) {
			return false
		}
		ref = o
	}
	return true
}
