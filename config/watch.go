package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// defaultCooldown 两次重载的最小间隔，编辑器连环写入只触发一次。
const defaultCooldown = 2 * time.Second

// Watcher 监听配置文件，把 runTarget 翻转成 quit 的策略上报给回调。
// 其余字段的改动需要重启进程才会生效。
type Watcher struct {
	Path     string
	Cooldown time.Duration
	Log      *zap.Logger

	last map[string]string // strategyId -> runTarget
}

// NewWatcher current 是进程启动时已生效的配置。
func NewWatcher(path string, current AppConfig, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	last := make(map[string]string, len(current.Strategies))
	for _, s := range current.Strategies {
		last[s.StrategyID] = s.RunTarget
	}
	return &Watcher{Path: path, Cooldown: defaultCooldown, Log: log, last: last}
}

// Run 阻塞监听直到 ctx 取消。重载失败只告警不中断：
// 坏配置不应该打断正在运行的策略。
func (w *Watcher) Run(ctx context.Context, onQuit func(strategyID string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Path); err != nil {
		return err
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// vim 等编辑器用 rename 原子替换，重新挂监听
				time.Sleep(100 * time.Millisecond)
				if err := fw.Add(w.Path); err != nil {
					w.Log.Warn("re-watch config failed", zap.Error(err))
					continue
				}
			} else if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if time.Since(lastReload) < w.Cooldown {
				continue
			}
			lastReload = time.Now()
			w.reload(onQuit)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(onQuit func(strategyID string)) {
	cfg, err := LoadWithEnvOverrides(w.Path)
	if err != nil {
		w.Log.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}
	w.apply(cfg, onQuit)
}

// apply 对比前后 runTarget，新翻转为 quit 的策略逐个上报。
func (w *Watcher) apply(next AppConfig, onQuit func(strategyID string)) {
	for _, s := range next.Strategies {
		if s.RunTarget == RunTargetQuit && w.last[s.StrategyID] != RunTargetQuit {
			w.Log.Info("runTarget flipped to quit", zap.String("strategy", s.StrategyID))
			if onQuit != nil {
				onQuit(s.StrategyID)
			}
		}
		w.last[s.StrategyID] = s.RunTarget
	}
}
