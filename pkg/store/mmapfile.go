package store

import (
	"os"

	"github.com/blevesearch/mmap-go"

	"github.com/nmmf-db/nmmf/pkg/errs"
)

// growFile wraps an *os.File with a remappable memory view. The index and
// data files both grow by appending fixed-size records, so growth always
// means "truncate bigger, remap" rather than arbitrary resize.
type growFile struct {
	f    *os.File
	m    mmap.MMap
	size int64
}

func openGrowFile(path string, minSize int64) (*growFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.New("openGrowFile", errs.KindIoError, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.New("openGrowFile", errs.KindIoError, err)
	}
	size := info.Size()
	if size < minSize {
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, errs.New("openGrowFile", errs.KindIoError, err)
		}
		size = minSize
	}
	gf := &growFile{f: f, size: size}
	if err := gf.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return gf, nil
}

func (g *growFile) remap() error {
	if g.m != nil {
		if err := g.m.Unmap(); err != nil {
			return errs.New("remap", errs.KindIoError, err)
		}
		g.m = nil
	}
	m, err := mmap.Map(g.f, mmap.RDWR, 0)
	if err != nil {
		return errs.New("remap", errs.KindIoError, err)
	}
	g.m = m
	return nil
}

// grow ensures the backing file is at least size bytes, remapping if it had
// to extend the file.
func (g *growFile) grow(size int64) error {
	if size <= g.size {
		return nil
	}
	if err := g.f.Truncate(size); err != nil {
		return errs.New("grow", errs.KindIoError, err)
	}
	g.size = size
	return g.remap()
}

// bytes returns the current mapped view. Callers must not retain it across a
// grow() call, which invalidates the mapping.
func (g *growFile) bytes() []byte { return g.m }

func (g *growFile) flush() error {
	if g.m == nil {
		return nil
	}
	if err := g.m.Flush(); err != nil {
		return errs.New("flush", errs.KindIoError, err)
	}
	return nil
}

func (g *growFile) close() error {
	var err error
	if g.m != nil {
		if uerr := g.m.Unmap(); uerr != nil {
			err = uerr
		}
		g.m = nil
	}
	if cerr := g.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return errs.New("close", errs.KindIoError, err)
	}
	return nil
}
