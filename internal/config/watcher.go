package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher 监听配置文件, 变更时只重载安全开关
//
// 监听的是所在目录: 编辑器和 ConfigMap 常以 rename 方式替换文件, 直接监听文件会丢失事件.
type Watcher struct {
	path     string
	switches *Switches
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher 创建配置监听器
func NewWatcher(path string, switches *Switches) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		switches: switches,
		debounce: defaultDebounce,
		watcher:  w,
	}, nil
}

// Run 阻塞运行直到 ctx 结束
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	logger.Info("config watcher started", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload 解析失败时保留原开关
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error("config reload failed, keeping current switches", zap.String("path", w.path), zap.Error(err))
		return
	}

	before, after := w.switches.Apply(&cfg.Trust)
	if before != after {
		logger.Warn("trust switches changed",
			zap.Bool("shadow_mode_before", before.ShadowMode),
			zap.Bool("shadow_mode", after.ShadowMode),
			zap.Bool("kill_switch_before", before.KillSwitch),
			zap.Bool("kill_switch", after.KillSwitch),
		)
	}
}
