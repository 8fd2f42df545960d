package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// ReadLogLevel reads only the log_level key of the TOML file at path.
// ok is false when the file does not set it.
func ReadLogLevel(path string) (level slog.Level, ok bool, err error) {
	var raw struct {
		LogLevel string `toml:"log_level"`
	}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return 0, false, fmt.Errorf("load config file: %w", err)
	}
	if !meta.IsDefined("log_level") {
		return 0, false, nil
	}
	level, err = ParseLevel(raw.LogLevel)
	if err != nil {
		return 0, false, err
	}
	return level, true, nil
}

// WatchLogLevel applies log_level changes in the TOML file at path to lv
// until ctx is done. The parent directory is watched so editors that
// replace the file are observed too. Unreadable or invalid revisions are
// logged and leave lv untouched.
func WatchLogLevel(ctx context.Context, path string, lv *slog.LevelVar, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			level, set, err := ReadLogLevel(abs)
			if err != nil {
				log.WarnContext(ctx, "config.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			if !set || level == lv.Level() {
				continue
			}
			lv.Set(level)
			log.InfoContext(ctx, "config.log_level.changed", slog.String("level", strings.ToLower(level.String())))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.error", slog.String("err", err.Error()))
		}
	}
}
