package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher turns file system events below the namespace schema directories
// into SchemaChange values. Events are debounced so that an editor writing a
// file in several steps produces one change.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	workingDir string
	namespaces []string
	debounce   time.Duration
	log        *logrus.Logger
	changes    chan SchemaChange
	done       chan struct{}
	stopOnce   sync.Once
}

type WatcherConfig struct {
	WorkingDir  string
	Namespaces  []string
	DebounceDur time.Duration
	Logger      *logrus.Logger
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if cfg.DebounceDur <= 0 {
		cfg.DebounceDur = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Watcher{
		fsWatcher:  fsw,
		workingDir: cfg.WorkingDir,
		namespaces: cfg.Namespaces,
		debounce:   cfg.DebounceDur,
		log:        cfg.Logger,
		changes:    make(chan SchemaChange, 64),
		done:       make(chan struct{}),
	}, nil
}

// Start watches the schema directories of every namespace and returns the
// channel changes are delivered on. The channel is closed by Stop.
func (w *Watcher) Start() (<-chan SchemaChange, error) {
	for _, ns := range w.namespaces {
		for _, dir := range []string{PrimaryDir(w.workingDir, ns), AuxDir(w.workingDir, ns)} {
			if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err := w.fsWatcher.Add(dir); err != nil {
				return nil, fmt.Errorf("watching directory %s: %w", dir, err)
			}
		}
	}

	go w.loop()

	return w.changes, nil
}

func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.changes)

	var timer *time.Timer
	pending := make(map[string]struct{})

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if _, _, ok := w.locate(event.Name); !ok {
				continue
			}
			pending[event.Name] = struct{}{}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			timer = nil
			if !w.flush(pending) {
				return
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("schema watcher error")

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// flush emits one change per pending file. It returns false when the watcher
// was stopped while delivering.
func (w *Watcher) flush(pending map[string]struct{}) bool {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		change, ok := w.changeFor(p)
		if !ok {
			continue
		}
		select {
		case w.changes <- change:
		case <-w.done:
			return false
		}
	}
	return true
}

// changeFor inspects the file at p as it is now: present means insertion,
// gone means deletion.
func (w *Watcher) changeFor(p string) (SchemaChange, bool) {
	ns, kind, _ := w.locate(p)
	id, _ := schemaID(filepath.Base(p))
	change := SchemaChange{Namespace: ns, ID: id, Kind: kind}

	data, err := os.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		change.Op = OpDelete
	case err != nil:
		w.log.WithFields(logrus.Fields{"namespace": ns, "schema": id}).WithError(err).Warn("reading changed schema")
		return SchemaChange{}, false
	default:
		if _, err := parseSchema(data); err != nil {
			w.log.WithFields(logrus.Fields{"namespace": ns, "schema": id}).WithError(err).Warn("ignoring unparseable schema")
			return SchemaChange{}, false
		}
		change.Op = OpInsert
		change.Document = data
	}
	return change, true
}

// locate maps a schema file path to its namespace and kind.
func (w *Watcher) locate(p string) (string, Kind, bool) {
	if _, ok := schemaID(filepath.Base(p)); !ok {
		return "", KindAuto, false
	}
	dir := filepath.Dir(p)
	ns := filepath.Base(filepath.Dir(dir))
	if filepath.Dir(filepath.Dir(dir)) != filepath.Join(w.workingDir, namespacesDir) {
		return "", KindAuto, false
	}
	switch filepath.Base(dir) {
	case primaryDir:
		return ns, KindPrimary, true
	case auxDir:
		return ns, KindAux, true
	}
	return "", KindAuto, false
}
