package reduce

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/config"
	"github.com/grafana/cctmerge/pkg/profile"
	"github.com/grafana/cctmerge/pkg/profile/testhelper"
	"github.com/grafana/cctmerge/pkg/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	mainFrame = testhelper.Frame{LoadModule: 1, IP: 0x10}
	hotFrame  = testhelper.Frame{LoadModule: 1, IP: 0x100}
	coldFrame = testhelper.Frame{LoadModule: 1, IP: 0x200}
)

type input struct {
	cp     cct.CallPathID
	value  float64
	leaf   testhelper.Frame
	traces []uint32
}

func writeInputs(t *testing.T, fs afero.Fs, inputs ...input) []string {
	t.Helper()
	paths := make([]string, len(inputs))
	for i, in := range inputs {
		paths[i] = fmt.Sprintf("/m/run-%d.hpcrun", i)
		p := testhelper.NewProfileBuilder(paths[i]).
			WithMetrics("CYCLES").
			WithLoadModules("/bin/app").
			Sample(in.cp, []float64{in.value}, mainFrame, in.leaf).
			Profile
		require.NoError(t, profile.WriteFile(fs, paths[i], p, profile.WriteOptions{}))
		if in.traces == nil {
			continue
		}
		var buf bytes.Buffer
		w, err := trace.NewWriter(&buf, trace.NewHeader())
		require.NoError(t, err)
		for j, id := range in.traces {
			require.NoError(t, w.Write(trace.Record{Timestamp: uint64(j), CallPath: id}))
		}
		require.NoError(t, w.Flush())
		require.NoError(t, afero.WriteFile(fs, fmt.Sprintf("/m/run-%d.hpctrace", i), buf.Bytes(), 0o644))
	}
	return paths
}

func readTrace(t *testing.T, fs afero.Fs, path string) []uint32 {
	t.Helper()
	f, err := fs.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := trace.NewReader(f)
	require.NoError(t, err)
	records, err := r.ReadAll()
	require.NoError(t, err)
	ids := make([]uint32, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.CallPath)
	}
	return ids
}

func Test_Reduce(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := writeInputs(t, fs,
		input{cp: 1, value: 1, leaf: hotFrame, traces: []uint32{1}},
		input{cp: 1, value: 2, leaf: coldFrame, traces: []uint32{1, 1}},
		// Carried over to the second round.
		input{cp: 1, value: 3, leaf: hotFrame, traces: []uint32{1}},
	)
	reg := prometheus.NewRegistry()
	r := New(config.Default(), fs, log.NewNopLogger(), reg)

	p, err := r.Reduce(context.Background(), paths)
	require.NoError(t, err)

	expected := testhelper.Node{
		Kind: cct.KindRoot,
		Children: []testhelper.Node{{
			Kind: cct.KindCall, Module: "/bin/app", IP: 0x10,
			Children: []testhelper.Node{
				{Kind: cct.KindStmt, Module: "/bin/app", IP: 0x100, CallPath: 1, Metrics: []float64{4}},
				{Kind: cct.KindStmt, Module: "/bin/app", IP: 0x200, CallPath: 2, Metrics: []float64{2}},
			},
		}},
	}
	assert.Empty(t, cmp.Diff(expected, testhelper.Dump(p)))
	assert.NoError(t, p.CCT.Validate())
	assert.Equal(t, []string{"/m/run-0.hpctrace", "/m/run-1.hpctrace", "/m/run-2.hpctrace"}, p.TraceFiles())

	assert.Equal(t, []uint32{1}, readTrace(t, fs, "/m/run-0.hpctrace"))
	assert.Equal(t, []uint32{2, 2}, readTrace(t, fs, "/m/run-1.hpctrace"))
	assert.Equal(t, []uint32{1}, readTrace(t, fs, "/m/run-2.hpctrace"))

	assert.Equal(t, Stats{Merges: 2, CallPathEffects: 1, TraceFilesRewritten: 1}, r.Stats())
	assert.Equal(t, float64(2), testutil.ToFloat64(r.metrics.merges))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.callPathEffects))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.traceFilesRewritten))
	var m dto.Metric
	require.NoError(t, r.metrics.mergeDuration.Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
}

func Test_Reduce_TrackingDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := writeInputs(t, fs,
		input{cp: 1, value: 1, leaf: hotFrame, traces: []uint32{1}},
		input{cp: 1, value: 2, leaf: coldFrame, traces: []uint32{1}},
	)
	cfg := config.Default()
	cfg.TrackTraces = false
	r := New(cfg, fs, log.NewNopLogger(), prometheus.NewRegistry())

	_, err := r.Reduce(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, readTrace(t, fs, "/m/run-1.hpctrace"))
	assert.Equal(t, Stats{Merges: 1, CallPathEffects: 1}, r.Stats())
}

func Test_Reduce_Prune(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := writeInputs(t, fs,
		input{value: 8, leaf: hotFrame},
		input{value: 2, leaf: coldFrame},
	)
	cfg := config.Default()
	cfg.PruneThreshold = 25
	p, err := New(cfg, fs, log.NewNopLogger(), prometheus.NewRegistry()).
		Reduce(context.Background(), paths)
	require.NoError(t, err)

	expected := testhelper.Node{
		Kind: cct.KindRoot,
		Children: []testhelper.Node{{
			Kind: cct.KindCall, Module: "/bin/app", IP: 0x10,
			Children: []testhelper.Node{
				{Kind: cct.KindStmt, Module: "/bin/app", IP: 0x100, Metrics: []float64{8}},
			},
		}},
	}
	assert.Empty(t, cmp.Diff(expected, testhelper.Dump(p)))
}

func Test_Reduce_Single(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := writeInputs(t, fs, input{cp: 5, value: 1, leaf: hotFrame})
	r := New(config.Default(), fs, log.NewNopLogger(), prometheus.NewRegistry())
	p, err := r.Reduce(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, []cct.CallPathID{5}, p.CCT.CallPaths())
	assert.Zero(t, r.Stats().Merges)
}

func Test_Reduce_LogsInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := writeInputs(t, fs,
		input{cp: 1, value: 1, leaf: hotFrame},
		input{cp: 2, value: 2, leaf: coldFrame},
	)
	var logs bytes.Buffer
	r := New(config.Default(), fs, log.NewLogfmtLogger(log.NewSyncWriter(&logs)), prometheus.NewRegistry())
	_, err := r.Reduce(context.Background(), paths)
	require.NoError(t, err)
	for _, path := range paths {
		assert.Contains(t, logs.String(), "level=debug input="+path+" msg=\"profile read\" nodes=3 metrics=1")
	}
}

func Test_Reduce_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := writeInputs(t, fs,
		input{value: 1, leaf: hotFrame},
		input{value: 1, leaf: coldFrame},
	)
	require.NoError(t, afero.WriteFile(fs, "/m/bad.hpcrun", []byte("this is not a raw profile"), 0o644))

	newReducer := func() *Reducer {
		return New(config.Default(), fs, log.NewNopLogger(), prometheus.NewRegistry())
	}

	_, err := newReducer().Reduce(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = newReducer().Reduce(context.Background(), append(paths, "/m/missing.hpcrun"))
	assert.ErrorContains(t, err, "read /m/missing.hpcrun")

	_, err = newReducer().Reduce(context.Background(), append(paths, "/m/bad.hpcrun"))
	assert.ErrorIs(t, err, profile.ErrInvalidMagic)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newReducer().Reduce(ctx, paths)
	assert.ErrorIs(t, err, context.Canceled)
}
