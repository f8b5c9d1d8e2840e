package store

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/nmmf-db/nmmf/internal/binfmt"
	"github.com/nmmf-db/nmmf/pkg/errs"
)

// wal is the sidecar write-ahead log: every mutation is appended here before
// the in-place index/data edit is made durable, so a crash between the two
// can always be replayed forward (spec.md §4.2, §9).
type wal struct {
	path string
	f    *os.File
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.New("openWAL", errs.KindIoError, err)
	}
	return &wal{path: path, f: f}, nil
}

func (w *wal) append(e binfmt.WalEntry) error {
	e.Timestamp = nowUnix()
	if _, err := w.f.Write(e.Encode()); err != nil {
		return errs.New("wal.append", errs.KindIoError, err)
	}
	return w.f.Sync()
}

func (w *wal) truncate() error {
	if err := w.f.Truncate(0); err != nil {
		return errs.New("wal.truncate", errs.KindIoError, err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return errs.New("wal.truncate", errs.KindIoError, err)
	}
	return nil
}

func (w *wal) close() error {
	if err := w.f.Close(); err != nil {
		return errs.New("wal.close", errs.KindIoError, err)
	}
	return nil
}

// replayWAL reads every well-formed entry in path and hands it to apply, in
// order. A truncated final entry is discarded rather than treated as an
// error, matching the crash-recovery semantics of spec.md §4.2.
func replayWAL(path string, apply func(binfmt.WalEntry) error) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.New("replayWAL", errs.KindIoError, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	n := 0
	for {
		entry, err := binfmt.ReadWalEntry(r)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return n, errs.New("replayWAL", errs.KindWalReplayFailed, err)
		}
		if err := apply(entry); err != nil {
			return n, errs.New("replayWAL", errs.KindWalReplayFailed, err)
		}
		n++
	}
	return n, nil
}

// nowUnix is the single place replaceable for deterministic tests.
var nowUnix = func() int64 { return time.Now().Unix() }
