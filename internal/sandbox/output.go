package sandbox

import "io"

// DefaultMaxOutputBytes caps each of stdout and stderr.
const DefaultMaxOutputBytes = 100 * 1024

// limitedWriter limits total bytes written, silently discarding the
// overflow. It reports the original length so exec never sees a short
// write.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
