package index

import (
	"encoding/binary"
	"io"

	"github.com/nmmf-db/nmmf/pkg/distance"
)

// writeMetric persists m as the leading field of a Save stream, so Load can
// restore the same Kernel and ascending-ordering convention rather than
// guessing Euclidean.
func writeMetric(w io.Writer, m distance.Metric) error {
	return binary.Write(w, binary.LittleEndian, uint32(m))
}

// readMetric reads a metric written by writeMetric.
func readMetric(r io.Reader) (distance.Metric, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return distance.Metric(v), nil
}
