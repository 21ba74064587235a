package config

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors path for changes and calls onChange with the newly loaded
// Config each time the file is written. It runs until ctx is cancelled.
//
// If a reload fails (e.g., invalid YAML), the error is logged and onChange is
// not called; the previous config remains active.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors that save atomically replace the file, which shows up as
			// Create (or Rename/Remove on the old inode) rather than Write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				// The file may be mid-replace; keep watching the path.
				_ = watcher.Add(path)
				continue
			}

			slog.Info("config: reloaded", "path", path)
			onChange(cfg)

			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// Diff lists the settings that differ between old and updated. The agent only
// applies configuration at startup, so main logs these as requiring a restart.
func Diff(old, updated *Config) []string {
	var out []string
	a, b := old.Agent, updated.Agent
	if a.NodeName != b.NodeName {
		out = append(out, fmt.Sprintf("node_name: %q -> %q", a.NodeName, b.NodeName))
	}
	if a.Delimiter != b.Delimiter {
		out = append(out, fmt.Sprintf("delimiter: %q -> %q", a.Delimiter, b.Delimiter))
	}
	if a.Server != b.Server {
		out = append(out, fmt.Sprintf("server: %s -> %s", a.Server.Address(), b.Server.Address()))
	}
	if !slices.EqualFunc(a.LogStreams, b.LogStreams, func(x, y Stream) bool {
		return x.Name == y.Name && slices.Equal(x.Paths, y.Paths)
	}) {
		out = append(out, fmt.Sprintf("log_streams: %v -> %v", a.LogStreams.Names(), b.LogStreams.Names()))
	}
	if a.PollInterval != b.PollInterval {
		out = append(out, fmt.Sprintf("poll_interval: %s -> %s", a.PollInterval, b.PollInterval))
	}
	if a.Reconnect != b.Reconnect {
		out = append(out, fmt.Sprintf("reconnect: %s/%s -> %s/%s",
			a.Reconnect.Initial, a.Reconnect.Max, b.Reconnect.Initial, b.Reconnect.Max))
	}
	if a.ReplayBuffer != b.ReplayBuffer {
		out = append(out, fmt.Sprintf("replay_buffer: %d -> %d", a.ReplayBuffer, b.ReplayBuffer))
	}
	if a.MetricsAddr != b.MetricsAddr {
		out = append(out, fmt.Sprintf("metrics_addr: %q -> %q", a.MetricsAddr, b.MetricsAddr))
	}
	if a.LogLevel != b.LogLevel {
		out = append(out, fmt.Sprintf("log_level: %q -> %q", a.LogLevel, b.LogLevel))
	}
	return out
}
