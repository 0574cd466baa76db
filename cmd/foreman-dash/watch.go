package main

import (
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when a file change is detected under .foreman/.
type fsChangeMsg struct{}

// debounceWindow collapses a burst of writes into one refresh.
const debounceWindow = 250 * time.Millisecond

// initWatcher creates a watcher over the state directory. Returns nil
// if the directory doesn't exist or initialization fails; the dashboard
// then runs in polling-only mode.
func initWatcher(stateDir string) *fsnotify.Watcher {
	if _, err := os.Stat(stateDir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}

	if err := watcher.Add(stateDir); err != nil {
		_ = watcher.Close()
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", stateDir, err)
		return nil
	}

	return watcher
}

// waitForChange returns a tea.Cmd that blocks until the watcher sees a
// change, then emits one debounced fsChangeMsg. The model re-issues it
// after every message.
func waitForChange(watcher *fsnotify.Watcher) tea.Cmd {
	return func() tea.Msg {
		timer := time.NewTimer(time.Hour)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				timer.Reset(debounceWindow)

			case <-timer.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}
