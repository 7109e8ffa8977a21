package policy

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stratoform/cartograph/pkg/model"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules parses a YAML rules file. Every rule is validated; the first
// invalid rule fails the whole load so a typo cannot silently drop policy.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapError(model.KindInvalidInput, "policy-file", err, "reading rules file %s", path)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, model.WrapError(model.KindInvalidInput, "policy-parse", err, "parsing rules file %s", path)
	}
	for i := range f.Rules {
		if err := f.Rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}

// WatchRules reloads the local evaluator whenever the rules file changes,
// until ctx is cancelled. A bad edit is logged and the previous rule set
// stays live. Editors that replace the file atomically unlink the old
// inode, so Rename and Remove events re-add the watch.
func WatchRules(ctx context.Context, path string, local *Local) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return model.WrapError(model.KindPermanent, "policy-watch", err, "creating rules watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return model.WrapError(model.KindPermanent, "policy-watch", err, "watching %s", path)
	}
	slog.Info("Watching policy rules", "path", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(path); err != nil {
					slog.Warn("Re-adding rules watch failed", "path", path, "error", err)
					continue
				}
			}
			reloadRules(path, local)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Rules watcher error", "path", path, "error", err)
		}
	}
}

func reloadRules(path string, local *Local) {
	rules, err := LoadRules(path)
	if err != nil {
		slog.Error("Reloading policy rules failed, keeping previous set", "path", path, "error", err)
		return
	}
	if err := local.SetRules(rules); err != nil {
		slog.Error("Swapping policy rules failed, keeping previous set", "path", path, "error", err)
		return
	}
	slog.Info("Policy rules reloaded", "path", path, "rules", len(rules))
}
