// Package reduce merges N raw profiles into one. Disjoint pairs are
// merged concurrently, round after round, until a single profile is
// left.
package reduce

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/cctmerge/pkg/appcontext"
	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/config"
	"github.com/grafana/cctmerge/pkg/loadmodule"
	"github.com/grafana/cctmerge/pkg/profile"
	"github.com/grafana/cctmerge/pkg/trace"
)

var ErrNoInput = errors.New("no input profiles")

// Inputs of one run reference mostly the same binaries.
const canonicalNamesCacheSize = 4096

type Reducer struct {
	cfg     config.Config
	fs      afero.Fs
	logger  log.Logger
	metrics *metrics
	traces  profile.TraceRewriter
	canon   loadmodule.Canonicalizer

	merges              atomic.Int64
	callPathEffects     atomic.Int64
	traceFilesRewritten atomic.Int64
}

// Stats is a snapshot of the progress of a reducer.
type Stats struct {
	Merges              int64
	CallPathEffects     int64
	TraceFilesRewritten int64
}

func New(cfg config.Config, fs afero.Fs, logger log.Logger, reg prometheus.Registerer) *Reducer {
	r := &Reducer{
		cfg:     cfg,
		fs:      fs,
		logger:  logger,
		metrics: newMetrics(reg),
		canon:   loadmodule.Cached(loadmodule.CanonicalPath(fs), canonicalNamesCacheSize),
	}
	if cfg.TrackTraces {
		r.traces = &countingRewriter{
			rewriter: trace.NewFileRewriter(fs, logger),
			reducer:  r,
		}
	}
	return r
}

// NewFromContext creates a reducer with the logger and registerer of
// the context.
func NewFromContext(ctx context.Context, cfg config.Config, fs afero.Fs) *Reducer {
	return New(cfg, fs, appcontext.Logger(ctx), appcontext.Registry(ctx))
}

func (r *Reducer) Stats() Stats {
	return Stats{
		Merges:              r.merges.Load(),
		CallPathEffects:     r.callPathEffects.Load(),
		TraceFilesRewritten: r.traceFilesRewritten.Load(),
	}
}

// Reduce reads the profiles at paths and merges them into one. The
// merged profile is pruned if a threshold is configured. The context
// is checked between merges. The inputs are merged in the order given:
// the metadata of the first one wins over the others.
func (r *Reducer) Reduce(ctx context.Context, paths []string) (*profile.Profile, error) {
	if len(paths) == 0 {
		return nil, ErrNoInput
	}
	profiles, err := r.readAll(ctx, paths)
	if err != nil {
		return nil, err
	}
	for round := 1; len(profiles) > 1; round++ {
		level.Debug(r.logger).Log("msg", "merge round", "round", round, "profiles", len(profiles))
		if profiles, err = r.mergeRound(ctx, profiles); err != nil {
			return nil, err
		}
	}
	p := profiles[0]
	if r.cfg.PruneThreshold > 0 {
		removed := p.Prune(r.cfg.PruneThreshold)
		level.Info(r.logger).Log("msg", "pruned profile", "threshold", r.cfg.PruneThreshold, "removed_nodes", len(removed))
	}
	s := r.Stats()
	level.Info(r.logger).Log(
		"msg", "profiles merged",
		"inputs", len(paths),
		"merges", s.Merges,
		"callpath_effects", s.CallPathEffects,
		"trace_files_rewritten", s.TraceFilesRewritten,
	)
	return p, nil
}

func (r *Reducer) readAll(ctx context.Context, paths []string) ([]*profile.Profile, error) {
	profiles := make([]*profile.Profile, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency.N())
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			logger := appcontext.Logger(appcontext.WithInput(appcontext.WithLogger(ctx, r.logger), path))
			p, err := profile.ReadFileWithOptions(r.fs, path, profile.ReadOptions{Canonicalizer: r.canon, Logger: logger})
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			level.Debug(logger).Log("msg", "profile read", "nodes", p.CCT.Len(), "metrics", p.Metrics.Len())
			profiles[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return profiles, nil
}

// mergeRound merges the pairs (0,1), (2,3), ... concurrently. The last
// profile of an odd count is carried over to the next round.
func (r *Reducer) mergeRound(ctx context.Context, profiles []*profile.Profile) ([]*profile.Profile, error) {
	next := make([]*profile.Profile, (len(profiles)+1)/2)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency.N())
	for i := 0; i < len(profiles); i += 2 {
		if i+1 == len(profiles) {
			next[i/2] = profiles[i]
			break
		}
		x, y := profiles[i], profiles[i+1]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.merge(x, y); err != nil {
				return err
			}
			next[i/2] = x
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *Reducer) merge(x, y *profile.Profile) error {
	start := time.Now()
	res, err := profile.Merge(x, y, profile.MergeOptions{
		MetricPolicy: r.cfg.MetricPolicy(),
		MetricOffset: r.cfg.MetricOffset,
		Logger:       r.logger,
		Traces:       r.traces,
	})
	if err != nil {
		return errors.Wrapf(err, "merge %s into %s", y.RawFile, x.RawFile)
	}
	r.metrics.mergeDuration.Observe(time.Since(start).Seconds())
	r.metrics.merges.Inc()
	r.metrics.callPathEffects.Add(float64(len(res.CallPathEffects)))
	r.merges.Inc()
	r.callPathEffects.Add(int64(len(res.CallPathEffects)))
	level.Debug(r.logger).Log(
		"msg", "merged profile",
		"x", x.RawFile,
		"y", y.RawFile,
		"metric_base", res.MetricBase,
		"loadmodule_effects", len(res.LoadModuleEffects),
		"callpath_effects", len(res.CallPathEffects),
	)
	return nil
}

type countingRewriter struct {
	rewriter profile.TraceRewriter
	reducer  *Reducer
}

func (c *countingRewriter) RewriteTraceFile(path string, effects []cct.Effect) error {
	if err := c.rewriter.RewriteTraceFile(path, effects); err != nil {
		return err
	}
	c.reducer.metrics.traceFilesRewritten.Inc()
	c.reducer.traceFilesRewritten.Inc()
	return nil
}
