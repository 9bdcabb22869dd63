package storage

import (
	"errors"
	"io"
)

type progressReader struct {
	r        io.Reader
	total    int64
	written  int64
	progress ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.progress != nil {
			p.progress(p.written, p.total)
		}
	}
	return n, err
}

// progressReadSeeker lets SDKs that hash the payload rewind the body. A seek
// back to the start restarts the count.
type progressReadSeeker struct {
	*progressReader
	s io.Seeker
}

func newProgressReadSeeker(rs io.ReadSeeker, total int64, progress ProgressFunc) *progressReadSeeker {
	return &progressReadSeeker{progressReader: newProgressReader(rs, total, progress), s: rs}
}

func (p *progressReadSeeker) Seek(offset int64, whence int) (int64, error) {
	if p.s == nil {
		return 0, errors.New("storage: body is not seekable")
	}
	pos, err := p.s.Seek(offset, whence)
	if err == nil {
		p.written = pos
	}
	return pos, err
}
