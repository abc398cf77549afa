// Package poller 周期性拉取 REST 快照并合并到体征存储
//
// 推送通道不可用时它是兜底数据源；推送与轮询通过同一合并入口，
// 迟到的旧快照由存储的新近规则拒绝。
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"go.uber.org/zap"
)

// Source REST 数据源（由 api.Client 实现）
type Source interface {
	CurrentVitals(ctx context.Context) (models.VitalsReading, error)
	Alerts(ctx context.Context) ([]models.Alert, error)
}

// Sink 快照写入目标（由 store.VitalsStore 实现）
type Sink interface {
	ApplySnapshot(reading models.VitalsReading) (bool, error)
	ApplyAlerts(alerts []models.Alert) int
	MarkFetchFailed(err error)
}

// Poller REST 轮询器
type Poller struct {
	source   Source
	sink     Sink
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller 创建轮询器
func NewPoller(source Source, sink Sink, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Start 在后台启动轮询（已启动时为空操作）
func (p *Poller) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop 取消轮询并等待正在进行的拉取结束；返回后不会再写入存储
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.logger.Info("Vitals poller started", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// 立即执行一次
	_ = p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Vitals poller stopped")
			return
		case <-ticker.C:
			_ = p.PollOnce(ctx)
		}
	}
}

// PollOnce 拉取一次当前体征与报警列表，返回第一个拉取错误
//
// 拉取失败时保留已有快照并标记 stale；定时轮询只记录错误，不向上传播。
func (p *Poller) PollOnce(ctx context.Context) error {
	var firstErr error

	// 1. 当前体征
	reading, err := p.source.CurrentVitals(ctx)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		firstErr = err
		p.reportFailure("vitals", err)
		p.sink.MarkFetchFailed(err)
	default:
		if _, err := p.sink.ApplySnapshot(reading); err != nil {
			p.logger.Warn("Dropped invalid vitals snapshot", zap.Error(err))
		}
	}

	// 2. 报警列表
	alerts, err := p.source.Alerts(ctx)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		if firstErr == nil {
			firstErr = err
		}
		p.reportFailure("alerts", err)
	default:
		if dropped := p.sink.ApplyAlerts(alerts); dropped > 0 {
			p.logger.Warn("Dropped invalid alerts from snapshot", zap.Int("count", dropped))
		}
	}
	return firstErr
}

func (p *Poller) reportFailure(resource string, err error) {
	if apperr.IsUnauthorized(err) {
		p.logger.Warn("REST poll unauthorized, token may have expired",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return
	}
	p.logger.Error("Failed to poll REST snapshot",
		zap.String("resource", resource),
		zap.Error(err),
	)
}
