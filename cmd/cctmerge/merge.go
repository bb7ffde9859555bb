package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/cctmerge/pkg/appcontext"
	"github.com/grafana/cctmerge/pkg/config"
	"github.com/grafana/cctmerge/pkg/profile"
	"github.com/grafana/cctmerge/pkg/reduce"
	"github.com/grafana/cctmerge/pkg/util"
)

type mergeParams struct {
	configFile string
	expandEnv  bool
	inputs     []string
	// Applied on top of the configuration file, in the order the flags
	// were given.
	overrides []func(*config.Config)
}

func (p *mergeParams) override(fn func(*config.Config)) kingpin.Action {
	return func(*kingpin.ParseContext) error {
		p.overrides = append(p.overrides, fn)
		return nil
	}
}

func addMergeParams(cmd *kingpin.CmdClause) *mergeParams {
	var (
		params      = &mergeParams{}
		d           = config.Default()
		policy      string
		offset      int
		trackTraces bool
		threshold   float64
		concurrency util.ConcurrencyLimit
		compress    bool
		out         string
	)
	cmd.Flag("config.file", "YAML configuration file. Flags given on the command line take precedence.").StringVar(&params.configFile)
	cmd.Flag("config.expand-env", "Expand ${VAR} references in the configuration file.").Default("false").BoolVar(&params.expandEnv)
	cmd.Flag("metric-merge", "Metric merge policy: create-new, by-name or by-offset.").
		Default(d.MetricMerge).
		Action(params.override(func(c *config.Config) { c.MetricMerge = policy })).
		StringVar(&policy)
	cmd.Flag("metric-offset", "Base metric index of the by-offset merge policy.").
		Default(fmt.Sprint(d.MetricOffset)).
		Action(params.override(func(c *config.Config) { c.MetricOffset = offset })).
		IntVar(&offset)
	cmd.Flag("track-traces", "Rewrite the trace files of the merged profiles.").
		Default(fmt.Sprint(d.TrackTraces)).
		Action(params.override(func(c *config.Config) { c.TrackTraces = trackTraces })).
		BoolVar(&trackTraces)
	cmd.Flag("prune-threshold", "Remove the contexts below the given percentage of every metric total.").
		Default(fmt.Sprint(d.PruneThreshold)).
		Action(params.override(func(c *config.Config) { c.PruneThreshold = threshold })).
		Float64Var(&threshold)
	cmd.Flag("concurrency", "Number of concurrent reads and merges, 'auto' uses the number of CPUs.").
		Default("auto").
		Action(params.override(func(c *config.Config) { c.Concurrency = concurrency })).
		SetValue(&concurrency)
	cmd.Flag("compress", "Compress the merged profile.").
		Default(fmt.Sprint(d.Compress)).
		Action(params.override(func(c *config.Config) { c.Compress = compress })).
		BoolVar(&compress)
	cmd.Flag("output", "Path of the merged profile.").Short('o').
		Default(d.Output).
		Action(params.override(func(c *config.Config) { c.Output = out })).
		StringVar(&out)
	cmd.Arg("input", "Raw profiles to merge.").Required().StringsVar(&params.inputs)
	return params
}

func (p *mergeParams) config(fs afero.Fs) (config.Config, error) {
	c := config.Default()
	if p.configFile != "" {
		var err error
		if c, err = config.Load(fs, p.configFile, p.expandEnv); err != nil {
			return c, err
		}
	}
	for _, fn := range p.overrides {
		fn(&c)
	}
	return c, c.Validate()
}

func merge(ctx context.Context, fs afero.Fs, params *mergeParams) error {
	c, err := params.config(fs)
	if err != nil {
		return err
	}
	logger := appcontext.Logger(ctx)
	p, err := reduce.NewFromContext(ctx, c, fs).Reduce(ctx, params.inputs)
	if err != nil {
		return err
	}
	if err = profile.WriteFile(fs, c.Output, p, profile.WriteOptions{Compress: c.Compress}); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "merged profile written", "output", c.Output, "nodes", p.CCT.Len(), "trace_files", len(p.TraceFiles()))
	return nil
}
