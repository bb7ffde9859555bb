package profile

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/loadmodule"
	"github.com/grafana/cctmerge/pkg/metric"
)

// TraceRewriter applies call path id effects to a trace file.
type TraceRewriter interface {
	RewriteTraceFile(path string, effects []cct.Effect) error
}

type MergeOptions struct {
	MetricPolicy metric.MergePolicy
	// MetricOffset is the base index of MergeByOffset.
	MetricOffset int
	Logger       log.Logger
	// Traces rewrites the trace files of the source. Nil disables
	// trace tracking.
	Traces TraceRewriter
}

type MergeResult struct {
	// MetricBase is the index at which metric 0 of the source lives
	// in the destination.
	MetricBase        int
	LoadModuleEffects []loadmodule.Effect
	CallPathEffects   []cct.Effect
}

// Merge merges y into x; y is consumed.
//
// Conflicting metadata is reported as warnings, the value of x being
// retained. The trace files of y are rewritten according to the call
// path id effects of the merge, and are then tracked by x.
func Merge(x, y *Profile, opts MergeOptions) (MergeResult, error) {
	var r MergeResult
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "x", x.RawFile, "y", y.RawFile)

	mergeMetadata(x, y, logger)

	var err error
	if r.MetricBase, err = x.Metrics.Merge(y.Metrics, opts.MetricPolicy, opts.MetricOffset); err != nil {
		return r, errors.Wrap(err, "merge metrics")
	}

	if r.LoadModuleEffects = x.LoadModules.Merge(y.LoadModules); len(r.LoadModuleEffects) > 0 {
		y.CCT.RemapLoadModules(loadmodule.Remapper(r.LoadModuleEffects))
	}

	ctx := cct.NewMergeContext(x.CCT)
	x.CCT.Merge(y.CCT, r.MetricBase, ctx)
	r.CallPathEffects = ctx.Effects()

	traces := y.TraceFiles()
	if opts.Traces != nil && len(r.CallPathEffects) > 0 {
		var errs error
		for _, f := range traces {
			if err = opts.Traces.RewriteTraceFile(f, r.CallPathEffects); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if errs != nil {
			return r, errors.Wrap(errs, "rewrite trace files")
		}
	}
	for _, f := range traces {
		x.AddTraceFile(f)
	}
	y.traceFiles = nil
	return r, nil
}

func mergeMetadata(x, y *Profile, logger log.Logger) {
	x.Version = mergeScalar(logger, "version", x.Version, y.Version)
	x.Flags = mergeScalar(logger, "flags", x.Flags, y.Flags)
	x.Granularity = mergeScalar(logger, "granularity", x.Granularity, y.Granularity)
	x.RAToCallsiteOffset = mergeScalar(logger, "ra_to_callsite_offset", x.RAToCallsiteOffset, y.RAToCallsiteOffset)
	if x.Name == "" {
		x.Name = y.Name
	}
	for _, nv := range y.NameValues {
		x.setNameValue(nv.Name, nv.Value)
	}
	if x.Structure == nil {
		x.Structure = y.Structure
	} else if y.Structure != nil && y.Structure != x.Structure {
		level.Warn(logger).Log("msg", "profiles reference different program structures")
	}
}

// mergeScalar returns the defined value, preferring x's one.
func mergeScalar[T comparable](logger log.Logger, name string, x, y T) T {
	var zero T
	switch {
	case x == zero:
		return y
	case y != zero && x != y:
		level.Warn(logger).Log("msg", "conflicting profile metadata", "field", name, "x_value", x, "y_value", y)
	}
	return x
}
