package progress

import "io"

// DefaultInterval is the number of bytes between two progress reports.
const DefaultInterval = 1 << 20

// Reader wraps an io.Reader and reports progress via a callback.
type Reader struct {
	r       io.Reader
	counter counter
}

// Writer wraps an io.Writer and reports progress via a callback.
type Writer struct {
	w       io.Writer
	counter counter
}

type counter struct {
	total      int64
	done       int64
	lastReport int64
	interval   int64
	onProgress func(done, total int64)
}

// add accounts n bytes and reports every interval bytes, when 5% of the total
// is crossed, and at the end of the payload.
func (c *counter) add(n int) {
	if n <= 0 || c.onProgress == nil {
		return
	}

	prev := c.done
	c.done += int64(n)
	c.lastReport += int64(n)

	crossed5 := c.total > 0 && c.done*100/c.total >= 5 && prev*100/c.total < 5
	finished := c.total > 0 && c.done >= c.total

	if c.lastReport >= c.interval || crossed5 || finished {
		c.onProgress(c.done, c.total)
		c.lastReport = 0
	}
}

func newCounter(total, interval int64, cb func(done, total int64)) counter {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return counter{total: total, interval: interval, onProgress: cb}
}

// NewReader returns a Reader reporting to cb. A nil cb disables reporting.
func NewReader(r io.Reader, total, interval int64, cb func(done, total int64)) *Reader {
	return &Reader{r: r, counter: newCounter(total, interval, cb)}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.counter.add(n)

	return n, err
}

// NewWriter returns a Writer reporting to cb. A nil cb disables reporting.
func NewWriter(w io.Writer, total, interval int64, cb func(done, total int64)) *Writer {
	return &Writer{w: w, counter: newCounter(total, interval, cb)}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.counter.add(n)

	return n, err
}

// Written returns the number of bytes written so far.
func (pw *Writer) Written() int64 {
	return pw.counter.done
}
