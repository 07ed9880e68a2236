// Package triallog persists the stdout that runners forward for each trial.
package triallog

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// FlushInterval is the longest time lines are buffered in memory before being written.
	FlushInterval = 100 * time.Millisecond
	// BufferSize is the largest number of lines buffered before a flush.
	BufferSize = 1000
	// OpenFiles bounds how many trial log files are kept open at once.
	OpenFiles = 64
)

// FileName is the per-trial log file, inside <root>/trials/<trial id>/.
const FileName = "stdout_log_collection.log"

// Entry is one line of trial output.
type Entry struct {
	TrialID string
	Line    string
}

// Logger buffers trial output and appends it to one file per trial.
type Logger struct {
	log   *logrus.Entry
	root  string
	files *lru.Cache[string, *os.File]

	mu     sync.RWMutex
	closed bool
	inbox  chan Entry
	done   chan struct{}
}

// New starts a logger writing under root.
func New(root string) (*Logger, error) {
	files, err := lru.NewWithEvict[string, *os.File](OpenFiles, func(_ string, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating file cache")
	}
	l := &Logger{
		log:   logrus.WithField("component", "trial-log"),
		root:  root,
		files: files,
		inbox: make(chan Entry, BufferSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Path returns the log file of a trial.
func (l *Logger) Path(trialID string) string {
	return filepath.Join(l.root, "trials", trialID, FileName)
}

// Insert queues a line. Lines inserted after Close are dropped.
func (l *Logger) Insert(e Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.inbox <- e
}

// Close flushes everything queued and closes open files.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.inbox)
	l.mu.Unlock()

	<-l.done
	l.files.Purge()
}

func (l *Logger) run() {
	defer close(l.done)
	pending := make([]Entry, 0, BufferSize)

	t := time.NewTicker(FlushInterval)
	defer t.Stop()
	for {
		var flush bool
		select {
		case <-t.C:
			flush = len(pending) > 0
		case e, ok := <-l.inbox:
			if !ok {
				l.flush(pending)
				return
			}
			pending = append(pending, e)
			flush = len(pending) >= BufferSize
		}
		if !flush {
			continue
		}
		l.flush(pending)
		pending = make([]Entry, 0, BufferSize)
	}
}

func (l *Logger) flush(pending []Entry) {
	for _, e := range pending {
		f, err := l.file(e.TrialID)
		if err != nil {
			l.log.WithError(err).WithField("trial-id", e.TrialID).Error("failed to open trial log")
			continue
		}
		if _, err := f.WriteString(e.Line + "\n"); err != nil {
			l.log.WithError(err).WithField("trial-id", e.TrialID).Error("failed to write trial log")
		}
	}
}

func (l *Logger) file(trialID string) (*os.File, error) {
	if f, ok := l.files.Get(trialID); ok {
		return f, nil
	}
	p := l.Path(trialID)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304
	if err != nil {
		return nil, err
	}
	l.files.Add(trialID, f)
	return f, nil
}
