package vault

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/agenthall/agenthall/internal/event"
	"github.com/agenthall/agenthall/internal/logging"
)

// Watch republishes provider.list whenever the provider file changes on
// disk (an external edit, a sync tool, a second instance). Returns a stop
// function. Watch failures are non-fatal: the vault works without the
// watcher, the UI just won't see external edits until it asks.
func (v *Vault) Watch(bus *event.Bus) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: the atomic rename replaces the file node, so
	// watching the file itself would go stale after the first save.
	if err := watcher.Add(filepath.Dir(v.filePath)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != v.filePath {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				safe, err := v.LoadProvidersSafe()
				if err != nil {
					logging.Warn().Str("error", logging.Sanitize(err.Error())).Msg("provider file changed but reload failed")
					continue
				}
				bus.Publish(event.Event{
					Type: event.ProviderList,
					Data: event.ProviderListData{Providers: safe},
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn().Str("error", logging.Sanitize(err.Error())).Msg("provider file watcher error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
