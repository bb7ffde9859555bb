package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/cctmerge/pkg/trace"
)

type traceDumpParams struct {
	path  string
	limit int
}

func addTraceDumpParams(cmd *kingpin.CmdClause) *traceDumpParams {
	params := &traceDumpParams{}
	cmd.Flag("limit", "Maximum number of records to print, 0 prints all of them.").Default("0").IntVar(&params.limit)
	cmd.Arg("file", "trace file path").Required().StringVar(&params.path)
	return params
}

func traceDump(ctx context.Context, fs afero.Fs, params *traceDumpParams) error {
	f, err := fs.Open(params.path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := trace.NewReader(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", params.path, err)
	}

	w := bufio.NewWriter(output(ctx))
	h := r.Header()
	fmt.Fprintf(w, "# version=%d flags=%#x\n", h.Version, h.Flags)
	for n := 0; params.limit == 0 || n < params.limit; n++ {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = w.Flush()
			return fmt.Errorf("read %s: record %d: %w", params.path, n, err)
		}
		fmt.Fprintf(w, "%d\t%d\n", rec.Timestamp, rec.CallPath)
	}
	return w.Flush()
}
