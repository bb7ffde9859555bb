// Package config holds the configuration of the reduction of raw
// profiles into one.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/drone/envsubst"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/grafana/cctmerge/pkg/metric"
	"github.com/grafana/cctmerge/pkg/util"
)

type Config struct {
	MetricMerge  string `yaml:"metric_merge"`
	MetricOffset int    `yaml:"metric_offset"`
	TrackTraces  bool   `yaml:"track_traces"`
	// PruneThreshold is a percentage of the total, pruning is disabled
	// with 0.
	PruneThreshold float64               `yaml:"prune_threshold"`
	Concurrency    util.ConcurrencyLimit `yaml:"concurrency"`
	Compress       bool                  `yaml:"compress"`
	Output         string                `yaml:"output"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.MetricMerge, "metric-merge", metric.MergeByName.String(), "Metric merge policy: create-new, by-name or by-offset.")
	f.IntVar(&c.MetricOffset, "metric-offset", 0, "Base metric index of the by-offset merge policy.")
	f.BoolVar(&c.TrackTraces, "track-traces", true, "Rewrite the trace files of merged profiles.")
	f.Float64Var(&c.PruneThreshold, "prune-threshold", 0, "Remove the contexts below the given percentage of every metric total. 0 disables pruning.")
	c.Concurrency = 0
	f.Var(&c.Concurrency, "concurrency", "Number of concurrent reads and merges; 'auto' uses the number of CPUs.")
	f.BoolVar(&c.Compress, "compress", false, "Compress the merged profile.")
	f.StringVar(&c.Output, "output", "merged.hpcrun", "Path of the merged profile.")
}

// Default returns the configuration with the flag defaults.
func Default() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return c
}

func (c *Config) Validate() error {
	if _, err := metric.ParseMergePolicy(c.MetricMerge); err != nil {
		return err
	}
	if c.MetricOffset < 0 {
		return fmt.Errorf("invalid metric offset %d", c.MetricOffset)
	}
	if c.PruneThreshold < 0 || c.PruneThreshold > 100 {
		return fmt.Errorf("invalid prune threshold %v: must be a percentage", c.PruneThreshold)
	}
	if c.Output == "" {
		return errors.New("output path is required")
	}
	return nil
}

// MetricPolicy returns the metric merge policy of a validated
// configuration.
func (c *Config) MetricPolicy() metric.MergePolicy {
	p, _ := metric.ParseMergePolicy(c.MetricMerge)
	return p
}

// Load reads the YAML configuration file at path on top of the
// defaults. With expandEnv, ${VAR} references are replaced with the
// values of the environment variables. Unknown fields are rejected.
func Load(fs afero.Fs, path string, expandEnv bool) (Config, error) {
	c := Default()
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return c, err
	}
	if expandEnv {
		s, err := envsubst.EvalEnv(string(b))
		if err != nil {
			return c, fmt.Errorf("expand environment variables in %s: %w", path, err)
		}
		b = []byte(s)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err = dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, c.Validate()
}
