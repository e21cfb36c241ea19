package reactor

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Level is one of the eight syslog(3) severities, in the same order as
// original_source/src/logger.h's LogLevel enum (§4.2).
type Level uint8

const (
	LevelEmerg Level = iota
	LevelAlert
	LevelCrit
	LevelError
	LevelWarn
	LevelNotice
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{
	LevelEmerg:  "Emerg",
	LevelAlert:  "Alert",
	LevelCrit:   "Crit",
	LevelError:  "Error",
	LevelWarn:   "Warn",
	LevelNotice: "Notice",
	LevelInfo:   "Info",
	LevelDebug:  "Debug",
}

// String returns the bare level name that Record places inside
// "Log(<Level>): " per §4.2's record format.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

const (
	// logFileMaxBytes is the 2 GiB ceiling named in §6 (Persisted state);
	// a file is rotated once it reaches half of that (§4.2).
	logFileMaxBytes   = 2 * 1024 * 1024 * 1024
	logRotateAtBytes  = logFileMaxBytes / 2
	defaultLogName    = "log.txt"
	defaultRingLength = 1 << 16
)

// Logger is the process-wide, single-writer log sink of §4.2 (C2): any
// number of goroutines Record concurrently, a single writer goroutine
// drains the ring and owns the rotating file handle. There is exactly one
// Logger per process (DefaultLogger), matching the source's Singleton
// lifecycle, but the type itself carries no package-level lock-in so tests
// can construct independent instances.
type Logger struct {
	ring *logRing

	mu        sync.Mutex
	started   atomic.Bool
	stopping  atomic.Bool
	done      chan struct{}
	wake      chan struct{}
	baseName  string
	file      *os.File
	fileBytes int64
	fileSeq   int64

	timeMu    sync.Mutex
	timeSec   int64
	timeStr   string
}

var (
	defaultLoggerOnce sync.Once
	defaultLogger     *Logger
)

// DefaultLogger returns the process-wide singleton, constructing it (but
// not starting it) on first use — matching Logger::GetLogger's lazy
// Singleton.
func DefaultLogger() *Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger(defaultRingLength)
	})
	return defaultLogger
}

// NewLogger constructs a Logger with the given ring capacity (rounded up
// to a power of two). It is inert until Start is called.
func NewLogger(ringCapacity int) *Logger {
	return &Logger{ring: newLogRing(ringCapacity)}
}

// Start is idempotent and thread-safe: the first caller wins and spins up
// the writer goroutine; later calls are no-ops while already started
// (§4.2). name defaults to "log.txt" when empty.
func (l *Logger) Start(name string) error {
	if l.started.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started.Load() {
		return nil
	}
	if name == "" {
		name = defaultLogName
	}
	l.baseName = name
	l.done = make(chan struct{})
	l.wake = make(chan struct{}, 1)
	l.stopping.Store(false)

	if err := l.openFile(); err != nil {
		return wrapf(err, "reactor: logger: open %q", name)
	}
	l.started.Store(true)
	go l.writeLoop()
	return nil
}

// End is idempotent: after it returns, the writer goroutine has drained
// whatever was pending and closed the file; records submitted afterward
// are dropped (§4.2).
func (l *Logger) End() {
	if !l.started.CompareAndSwap(true, false) {
		return
	}
	l.stopping.Store(true)
	l.notify()
	<-l.done
}

// openFile opens "n<seq&1>_<base>" and writes the sequence header line,
// the Go equivalent of Logger::StartLogger's fopen + header write.
func (l *Logger) openFile() error {
	name := fmt.Sprintf("n%d_%s", l.fileSeq&1, l.baseName)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.fileBytes = 0
	header := fmt.Sprintf("Current file sequence: %d\n", l.fileSeq)
	n, _ := f.WriteString(header)
	l.fileBytes += int64(n)
	return nil
}

// rotate closes the current file and opens the next alternate, resetting
// the byte counter (§4.2: "rotate when current size reaches a fixed
// threshold, alternating between two files named with a 0/1 suffix").
func (l *Logger) rotate() {
	if l.file != nil {
		_ = l.file.Sync()
		_ = l.file.Close()
	}
	l.fileSeq++
	_ = l.openFile()
}

func (l *Logger) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// nowString returns the localtime string for the record's timestamp,
// refreshed at most once per second and shared by every record that falls
// within that second (§4.2: "updated at >=1 Hz").
func (l *Logger) nowString() string {
	now := time.Now()
	sec := now.Unix()
	l.timeMu.Lock()
	defer l.timeMu.Unlock()
	if sec != l.timeSec {
		l.timeSec = sec
		l.timeStr = now.Format("Mon Jan  2 15:04:05 2006")
	}
	return l.timeStr
}

// Record formats and enqueues one log line. If the ring is full the record
// is silently dropped (§4.2); if the logger has not been Start'ed, or has
// already ended, the record is dropped as well.
func (l *Logger) Record(level Level, msg string) {
	if !l.started.Load() {
		return
	}
	line := fmt.Sprintf("[ %s ] Log(%s): %s\n", l.nowString(), level, msg)
	if l.ring.push(line) {
		l.notify()
	}
}

// Recordf formats with fmt.Sprintf before enqueuing.
func (l *Logger) Recordf(level Level, format string, args ...interface{}) {
	l.Record(level, fmt.Sprintf(format, args...))
}

func (l *Logger) Emerg(msg string)  { l.Record(LevelEmerg, msg) }
func (l *Logger) Alert(msg string)  { l.Record(LevelAlert, msg) }
func (l *Logger) Crit(msg string)   { l.Record(LevelCrit, msg) }
func (l *Logger) Error(msg string)  { l.Record(LevelError, msg) }
func (l *Logger) Warn(msg string)   { l.Record(LevelWarn, msg) }
func (l *Logger) Notice(msg string) { l.Record(LevelNotice, msg) }
func (l *Logger) Info(msg string)   { l.Record(LevelInfo, msg) }
func (l *Logger) Debug(msg string)  { l.Record(LevelDebug, msg) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.Recordf(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Recordf(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Recordf(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.Recordf(LevelDebug, format, args...) }

// Pending exposes the ring's outstanding record count, used by §8's
// invariant checks and by tests that want to wait for drain.
func (l *Logger) Pending() int64 { return l.ring.Pending() }

// Dropped exposes the ring's drop counter.
func (l *Logger) Dropped() uint64 { return l.ring.Dropped() }

// writeLoop is the single consumer goroutine: it drains the ring,
// rotating the file as needed, and blocks on wake when the ring empties,
// the Go equivalent of Logger::WriteDownLogs with a channel standing in
// for the condition variable — matching the wake-on-first-completion idiom
// socket515-gaio's watcher uses for chNotifyCompletion.
func (l *Logger) writeLoop() {
	defer close(l.done)
	for {
		drained := false
		for {
			line, ok := l.ring.pop()
			if !ok {
				break
			}
			drained = true
			if l.fileBytes >= logRotateAtBytes {
				l.rotate()
			}
			n, _ := l.file.WriteString(line)
			l.fileBytes += int64(n)
		}
		if drained {
			_ = l.file.Sync()
		}
		if l.ring.Pending() == 0 {
			if l.stopping.Load() {
				if l.file != nil {
					_ = l.file.Sync()
					_ = l.file.Close()
				}
				return
			}
			<-l.wake
		}
	}
}
