/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fpco/health-check/internal/config"
)

// DispatcherOptions bounds notification delivery
// DispatcherOptions 限定通知投递的重试与超时
type DispatcherOptions struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TotalTimeout   time.Duration
}

// DefaultDispatcherOptions returns the default retry policy
// DefaultDispatcherOptions 返回默认的重试策略
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		MaxAttempts:    config.DefaultNotifyMaxAttempts,
		AttemptTimeout: config.DefaultNotifyAttemptTimeout,
		InitialBackoff: config.DefaultNotifyInitialBackoff,
		MaxBackoff:     config.DefaultNotifyMaxBackoff,
		TotalTimeout:   config.DefaultNotifyTotalTimeout,
	}
}

// Dispatcher delivers payloads through a Notifier with bounded retries
// Dispatcher 通过 Notifier 投递通知，重试次数有上限
type Dispatcher struct {
	notifier Notifier
	opts     DispatcherOptions
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher; a nil notifier makes Notify a no-op
// NewDispatcher 创建投递器；notifier 为 nil 时 Notify 为空操作
func NewDispatcher(notifier Notifier, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	def := DefaultDispatcherOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = def.TotalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{notifier: notifier, opts: opts, logger: logger.Named("notify")}
}

// FromConfig builds the dispatcher for the configured webhook
// FromConfig 根据配置的 webhook 构建投递器
func FromConfig(cfg config.NotifyConfig, logger *zap.Logger) *Dispatcher {
	var notifier Notifier
	if cfg.SlackWebhook != "" {
		notifier = NewSlackNotifier(cfg.SlackWebhook, nil)
	}
	return NewDispatcher(notifier, DispatcherOptions{
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		TotalTimeout:   cfg.TotalTimeout,
	}, logger)
}

// Enabled reports whether a backend is configured
// Enabled 报告是否配置了通知后端
func (d *Dispatcher) Enabled() bool {
	return d.notifier != nil
}

// Notify delivers p, retrying with exponential backoff. The returned error is
// meant for logging; supervision continues regardless.
// Notify 投递 p，失败时按指数退避重试；返回的错误仅用于记录日志。
func (d *Dispatcher) Notify(ctx context.Context, p *Payload) error {
	if d.notifier == nil {
		d.logger.Debug("No notification backend configured, skipping",
			zap.String("reason", string(p.Reason.Kind)))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.TotalTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		actx, acancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer acancel()

		err := d.notifier.Send(actx, p)
		var notifyErr *NotifyError
		if errors.As(err, &notifyErr) && !notifyErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		d.logger.Warn("Notification attempt failed, retrying",
			zap.String("notifier", d.notifier.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, policy, onRetry); err != nil {
		return fmt.Errorf("%s notification failed after %d attempt(s): %w", d.notifier.Name(), attempt, err)
	}

	d.logger.Info("Notification sent",
		zap.String("notifier", d.notifier.Name()),
		zap.String("reason", string(p.Reason.Kind)),
		zap.Int("attempts", attempt))
	return nil
}
