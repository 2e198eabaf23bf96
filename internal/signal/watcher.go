// Package signal watches the .concerto/signals directory so a run can be
// stopped or extended from outside the process, e.g. by another terminal or
// a supervising script.
package signal

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Signal file names recognized in .concerto/signals.
const (
	// FileStop requests a graceful stop at the next safe point.
	FileStop = "stop"
	// FileKill requests immediate termination.
	FileKill = "kill"
)

// Watcher monitors the signals directory. Signals latch: once seen, they
// stay set until Clear.
type Watcher struct {
	signalsDir string

	mu         sync.RWMutex
	stopSignal bool
	killSignal bool

	watcher *fsnotify.Watcher
	done    chan struct{}

	// OnStop and OnKill fire once per latched signal, from the watch
	// goroutine. Both may be nil.
	OnStop func()
	OnKill func()
}

// New creates a watcher rooted at workDir/.concerto/signals, creating the
// directory if needed. If the filesystem watcher cannot be started the
// Watcher still works via Poll.
func New(workDir string) (*Watcher, error) {
	signalsDir := filepath.Join(workDir, ".concerto", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		signalsDir: signalsDir,
		done:       make(chan struct{}),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - callers fall back to Poll.
		return w, nil
	}
	if err := fsw.Add(signalsDir); err != nil {
		fsw.Close()
		return w, nil
	}
	w.watcher = fsw

	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.latch(filepath.Base(event.Name))
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

func (w *Watcher) latch(name string) {
	w.mu.Lock()
	var fire func()
	switch name {
	case FileStop:
		if !w.stopSignal {
			w.stopSignal = true
			fire = w.OnStop
		}
	case FileKill:
		if !w.killSignal {
			w.killSignal = true
			fire = w.OnKill
		}
	}
	w.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Poll checks the signal files directly, for environments where the
// filesystem watcher could not start.
func (w *Watcher) Poll() {
	for _, name := range []string{FileStop, FileKill} {
		if _, err := os.Stat(filepath.Join(w.signalsDir, name)); err == nil {
			w.latch(name)
		}
	}
}

// StopRequested reports whether a graceful stop was signaled.
func (w *Watcher) StopRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopSignal
}

// KillRequested reports whether immediate termination was signaled.
func (w *Watcher) KillRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.killSignal
}

// Clear resets latched signals and removes the signal files.
func (w *Watcher) Clear() {
	w.mu.Lock()
	w.stopSignal = false
	w.killSignal = false
	w.mu.Unlock()

	for _, name := range []string{FileStop, FileKill} {
		os.Remove(filepath.Join(w.signalsDir, name))
	}
}

// Request writes a signal file, for sending a signal to another process.
func Request(workDir, name string) error {
	signalsDir := filepath.Join(workDir, ".concerto", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(signalsDir, name), []byte{}, 0644)
}

// Close stops the watch goroutine.
func (w *Watcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
