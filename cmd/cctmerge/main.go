package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/cctmerge/pkg/appcontext"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Merges calling context tree profiles of parallel program runs.").UsageWriter(os.Stdout)
	app.Version(version.Print("cctmerge"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	mergeCmd := app.Command("merge", "Merge raw profiles into one, rewriting their trace files.")
	mergeParams := addMergeParams(mergeCmd)

	inspectCmd := app.Command("inspect", "Print a summary of raw profiles.")
	inspectFiles := inspectCmd.Arg("file", "raw profile path").Required().Strings()

	treeCmd := app.Command("tree", "Print the calling context tree of a raw profile.")
	treeParams := addTreeParams(treeCmd)

	traceCmd := app.Command("trace", "Operate on trace files.")
	traceDumpCmd := traceCmd.Command("dump", "Print the records of a trace file.")
	traceDumpParams := addTraceDumpParams(traceDumpCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	ctx := appcontext.WithLogger(context.Background(), logger)
	ctx = appcontext.WithRegistry(ctx, prometheus.NewRegistry())
	ctx = withOutput(ctx, os.Stdout)
	fs := afero.NewOsFs()

	switch parsedCmd {
	case mergeCmd.FullCommand():
		os.Exit(checkError(merge(ctx, fs, mergeParams)))
	case inspectCmd.FullCommand():
		os.Exit(checkError(inspect(ctx, fs, *inspectFiles)))
	case treeCmd.FullCommand():
		os.Exit(checkError(printTree(ctx, fs, treeParams)))
	case traceDumpCmd.FullCommand():
		os.Exit(checkError(traceDump(ctx, fs, traceDumpParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
