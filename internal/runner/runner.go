// Package runner drives one status, push or pull run of a synchronized
// folder: load the baseline, compute the actions, keep the ones the mode
// applies and execute them.
package runner

import (
	"context"
	"fmt"
	"io"

	"github.com/yuya-takeyama/fileshare/internal/metadir"
	"github.com/yuya-takeyama/fileshare/pkg/diff"
	"github.com/yuya-takeyama/fileshare/pkg/executor"
	"github.com/yuya-takeyama/fileshare/pkg/filesystem"
	"github.com/yuya-takeyama/fileshare/pkg/logger"
	"github.com/yuya-takeyama/fileshare/pkg/remote"
)

type Mode int

const (
	// Status lists every action and only updates the baseline.
	Status Mode = iota
	// Push makes the remote store match the local folder.
	Push
	// Pull makes the local folder match the remote store.
	Pull
)

func (m Mode) String() string {
	switch m {
	case Status:
		return "status"
	case Push:
		return "push"
	case Pull:
		return "pull"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Select returns the actions mode applies, in order. Push resolves every
// conflict in favor of the local folder and pull in favor of the remote
// store; a downgrade on the winning side is applied, one on the losing side
// is left alone.
func Select(mode Mode, actions []diff.Action) []diff.Action {
	var selected []diff.Action
	for _, a := range actions {
		k := a.Kind()
		switch {
		case k == diff.ResyncLocal || k == diff.RemovedOnBothSides:
			selected = append(selected, a)
		case mode == Push && k.IsPush(), mode == Pull && k.IsPull():
			selected = append(selected, a)
		case mode == Push && (k.IsConflict() || k == diff.ErrorLocalDowngraded):
			selected = append(selected, diff.Resolve(a, diff.KeepLocal))
		case mode == Pull && (k.IsConflict() || k == diff.ErrorRemoteDowngraded):
			selected = append(selected, diff.Resolve(a, diff.KeepRemote))
		}
	}
	return selected
}

type Options struct {
	DryRun      bool
	Concurrency int

	// RemoteName prefixes remote paths in output, e.g. "s3://bucket/prefix".
	RemoteName string

	PlanJSONFile   string
	ResultJSONFile string
}

type Runner struct {
	dir      *metadir.Dir
	store    remote.Store
	excludes filesystem.Excludes
	logger   logger.Logger
	out      io.Writer
	opts     Options
}

// New returns a runner for the folder of dir. The status listing is written
// to out.
func New(dir *metadir.Dir, store remote.Store, excludes filesystem.Excludes, log logger.Logger, out io.Writer, opts Options) *Runner {
	if log == nil {
		log = logger.NullLogger{}
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		dir:      dir,
		store:    store,
		excludes: excludes,
		logger:   log,
		out:      out,
		opts:     opts,
	}
}

// Report describes one run.
type Report struct {
	Mode Mode

	// Actions is every computed action, Selected the ones that were applied.
	Actions  []diff.Action
	Selected []diff.Action
	Results  []executor.Result
	Summary  executor.Summary
}

// Run executes one run. The returned error combines every failed action.
func (r *Runner) Run(ctx context.Context, mode Mode) (*Report, error) {
	baseline, err := r.dir.LoadBaseline(r.excludes)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	engine := diff.NewEngine(r.dir.Fs(), r.dir.Root(), r.store, r.excludes)
	d, err := engine.Diff(ctx, baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to compare: %w", err)
	}

	report := &Report{Mode: mode, Actions: d.Actions}
	if mode == Status {
		if err := PrintStatus(r.out, d.Actions); err != nil {
			return nil, err
		}
	}

	report.Selected = Select(mode, d.Actions)

	if r.opts.PlanJSONFile != "" {
		if err := writeJSON(r.dir.Fs(), r.opts.PlanJSONFile, NewPlanResult(mode, report.Selected)); err != nil {
			return nil, fmt.Errorf("failed to write plan JSON: %w", err)
		}
	}

	exec := executor.NewExecutor(d, r.store, r.dir, r.logger, executor.Options{
		Concurrency: r.opts.Concurrency,
		DryRun:      r.opts.DryRun,
		RemoteName:  r.opts.RemoteName,
	})
	report.Results = exec.Execute(ctx, report.Selected)
	report.Summary = executor.Summarize(report.Results)

	if r.opts.ResultJSONFile != "" && !r.opts.DryRun {
		if err := writeJSON(r.dir.Fs(), r.opts.ResultJSONFile, NewSyncResult(mode, report.Results)); err != nil {
			return nil, fmt.Errorf("failed to write result JSON: %w", err)
		}
	}

	if report.Summary.Failed > 0 {
		return report, fmt.Errorf("%d operations failed: %w", report.Summary.Failed, report.Summary.Err)
	}
	return report, nil
}

// PrintStatus writes one line per action: its [local saved remote] glyph,
// its path and what happened.
func PrintStatus(w io.Writer, actions []diff.Action) error {
	for _, a := range actions {
		p := a.Path()
		if a.IsDir() {
			p += "/"
		}
		if _, err := fmt.Fprintf(w, "[%s] %s (%s)\n", a.Kind().Glyph(), p, a.Kind().Description()); err != nil {
			return err
		}
	}
	return nil
}
