package kfmt

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

// prefixFormatter wraps a logrus formatter and injects a prefix at the
// beginning of each line of the formatted entry.
type prefixFormatter struct {
	prefix []byte
	inner  logrus.Formatter
}

// Format implements logrus.Formatter.
func (f *prefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	out, err := f.inner.Format(entry)
	if err != nil || len(out) == 0 {
		return out, err
	}

	lines := bytes.SplitAfter(out, []byte{'\n'})
	res := make([]byte, 0, len(out)+len(lines)*len(f.prefix))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		res = append(res, f.prefix...)
		res = append(res, line...)
	}
	return res, nil
}
