package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"strategy-engine/internal/model"
)

// StrategiesFile is the YAML seed file layout:
//
//	strategies:
//	  - id: btc-trend
//	    symbol: BTCUSDT
//	    timeframe: 1m
//	    ...
type StrategiesFile struct {
	Strategies []model.StrategyConfig `yaml:"strategies"`
}

// LoadStrategies parses the seed file. A missing file yields no strategies.
// Entries without an id or with a duplicate id are rejected.
func LoadStrategies(path string) ([]model.StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read strategies %s: %w", path, err)
	}
	return ParseStrategies(data)
}

// ParseStrategies decodes the seed file contents.
func ParseStrategies(data []byte) ([]model.StrategyConfig, error) {
	var f StrategiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse strategies: %w", err)
	}
	seen := make(map[string]bool, len(f.Strategies))
	for i, s := range f.Strategies {
		if s.ID == "" {
			return nil, fmt.Errorf("strategy #%d: id is required in the seed file", i+1)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("strategy %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}
	return f.Strategies, nil
}

// WatchStrategies calls onChange with the parsed file every time it is written,
// created or renamed into place. Events are debounced. Parse errors are logged
// and the previous strategies stay in effect. Blocks until ctx is cancelled.
func WatchStrategies(ctx context.Context, path string, log *zap.Logger, onChange func([]model.StrategyConfig)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files instead of writing in place.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log.Info("watching strategies file", zap.String("path", abs))

	const debounce = 250 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

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
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("strategies watcher error", zap.Error(err))
		case <-timer.C:
			strategies, err := LoadStrategies(abs)
			if err != nil {
				log.Warn("strategies reload failed", zap.Error(err))
				continue
			}
			log.Info("strategies file reloaded", zap.Int("strategies", len(strategies)))
			onChange(strategies)
		}
	}
}
