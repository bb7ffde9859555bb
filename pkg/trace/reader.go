package trace

import (
	"bufio"
	"io"
)

type Reader struct {
	r      *bufio.Reader
	header Header
	buf    [RecordSize]byte
}

// NewReader reads and validates the header of the trace file.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	_, h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return &Reader{r: br, header: h}, nil
}

func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF once all the records have
// been read. A truncated trailing record is reported as ErrShortRecord.
func (r *Reader) Next() (Record, error) {
	var rec Record
	n, err := io.ReadFull(r.r, r.buf[:])
	switch {
	case err == io.EOF:
		return rec, io.EOF
	case err == io.ErrUnexpectedEOF && n > 0:
		return rec, ErrShortRecord
	case err != nil:
		return rec, err
	}
	rec.unmarshal(r.buf[:])
	return rec, nil
}

// ReadAll returns all the remaining records.
func (r *Reader) ReadAll() ([]Record, error) {
	var records []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

type Writer struct {
	w   *bufio.Writer
	buf [RecordSize]byte
}

// NewWriter writes the header to w. Flush must be called once the
// records have been written.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	b, _ := h.MarshalBinary()
	return newWriter(w, b)
}

func newWriter(w io.Writer, header []byte) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

func (w *Writer) Write(r Record) error {
	r.marshal(w.buf[:])
	_, err := w.w.Write(w.buf[:])
	return err
}

func (w *Writer) Flush() error { return w.w.Flush() }
