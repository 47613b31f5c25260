package chase

import (
	"bufio"
	"io"
	"sort"
	"sync"
	"time"
)

// logLine is one captured stdout or stderr line, stamped at the instant it
// was read (spec.md §4.8.4d: "stamping each with a microsecond timestamp").
type logLine struct {
	at     time.Time
	stream string // "stdout" | "stderr"
	text   string
	seq    int // append order, used to break timestamp ties (P8)
}

// jobLogger interleaves a job's stdout and stderr into a single
// timestamp-ordered transcript (spec.md §4.8.4d).
type jobLogger struct {
	mu    sync.Mutex
	lines []logLine
	next  int
}

func newJobLogger() *jobLogger {
	return &jobLogger{}
}

// pump reads lines from r, tagging each with stream and the time it was
// read, until EOF or an error. Run once per stream in its own goroutine.
func (l *jobLogger) pump(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.append(stream, scanner.Text())
	}
}

func (l *jobLogger) append(stream, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{at: time.Now(), stream: stream, text: text, seq: l.next})
	l.next++
}

// Transcript returns the accumulated lines sorted by timestamp, ties broken
// by append order (P8: "adjacent lines with identical timestamps retain the
// order in which they were appended").
func (l *jobLogger) Transcript() []string {
	l.mu.Lock()
	lines := append([]logLine(nil), l.lines...)
	l.mu.Unlock()

	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].at.Equal(lines[j].at) {
			return lines[i].at.Before(lines[j].at)
		}
		return lines[i].seq < lines[j].seq
	})

	out := make([]string, len(lines))
	for i, ln := range lines {
		out[i] = ln.text
	}
	return out
}
