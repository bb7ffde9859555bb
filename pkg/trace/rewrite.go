package trace

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/dolthub/swiss"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/grafana/cctmerge/pkg/cct"
)

// Rewrite copies the trace read from r to w, translating call path ids
// of the records according to effects. The header is copied verbatim.
//
// Effects form a single lookup table applied to the original ids: a
// record is translated at most once, regardless of whether the new id
// of an effect is the old id of another one. The number of translated
// records is returned.
func Rewrite(r io.Reader, w io.Writer, effects []cct.Effect) (int, error) {
	br := bufio.NewReader(r)
	header, _, err := readHeader(br)
	if err != nil {
		return 0, err
	}
	tw, err := newWriter(w, header)
	if err != nil {
		return 0, err
	}
	table := swiss.NewMap[uint32, uint32](uint32(len(effects)))
	for _, e := range effects {
		table.Put(uint32(e.Old), uint32(e.New))
	}
	tr := &Reader{r: br}
	var n int
	for {
		rec, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		if id, ok := table.Get(rec.CallPath); ok {
			rec.CallPath = id
			n++
		}
		if err = tw.Write(rec); err != nil {
			return n, err
		}
	}
	return n, tw.Flush()
}

// FileRewriter rewrites trace files in place. The rewritten trace is
// staged in a temporary file next to the original, which is then
// replaced with a rename.
type FileRewriter struct {
	fs     afero.Fs
	logger log.Logger
}

func NewFileRewriter(fs afero.Fs, logger log.Logger) *FileRewriter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FileRewriter{fs: fs, logger: logger}
}

// RewriteTraceFile applies effects to the trace file at path. No I/O
// is performed if there are no effects.
func (f *FileRewriter) RewriteTraceFile(path string, effects []cct.Effect) (err error) {
	if len(effects) == 0 {
		return nil
	}
	src, err := f.fs.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := fmt.Sprintf("%s.%s.tmp", path, ulid.MustNew(ulid.Now(), rand.Reader))
	dst, err := f.fs.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = dst.Close()
			if rmErr := f.fs.Remove(tmp); rmErr != nil {
				level.Warn(f.logger).Log("msg", "failed to remove temporary trace file", "path", tmp, "err", rmErr)
			}
		}
	}()

	n, err := Rewrite(src, dst, effects)
	if err != nil {
		return errors.Wrapf(err, "rewrite %s", path)
	}
	if err = dst.Close(); err != nil {
		return err
	}
	_ = src.Close()
	if err = f.fs.Rename(tmp, path); err != nil {
		return err
	}
	level.Debug(f.logger).Log("msg", "trace file rewritten", "path", path, "effects", len(effects), "records", n)
	return nil
}
