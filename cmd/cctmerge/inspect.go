package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"

	"github.com/grafana/cctmerge/pkg/profile"
)

// inspect prints one row per raw profile. Unreadable files are
// reported once all the others have been printed.
func inspect(ctx context.Context, fs afero.Fs, files []string) error {
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"File", "Program", "Version", "Metrics", "Load modules", "Nodes", "Call paths", "Traces", "Size"})

	var errs error
	for _, file := range files {
		info, err := fs.Stat(file)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		p, err := profile.ReadFile(fs, file)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		table.Append([]string{
			file,
			p.Name,
			fmt.Sprint(p.Version),
			fmt.Sprint(p.Metrics.Len()),
			fmt.Sprint(p.LoadModules.Len()),
			fmt.Sprint(p.CCT.Len()),
			fmt.Sprint(len(p.CCT.CallPaths())),
			fmt.Sprint(len(p.TraceFiles())),
			humanize.Bytes(uint64(info.Size())),
		})
	}
	table.Render()
	return errs
}
