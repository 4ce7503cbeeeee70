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

// Package monitor provides output activity monitoring for the supervised child.
// monitor 包提供被监督子进程的输出活动监控功能。
//
// This package provides:
// 此包提供：
// - Stream readers with pass-through echo / 带透传回显的输出流读取
// - Shared last-activity instant / 共享的最后活动时间
// - Periodic silence checking with a one-shot timeout event / 周期性静默检查及一次性超时事件
// - Recent output capture for alerts / 为告警捕获最近输出
package monitor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ReadBufferSize is the size of each stream read
// ReadBufferSize 是每次读取输出流的大小
const ReadBufferSize = 4096

// Checker interval bounds
// 检查间隔的上下限
const (
	MaxCheckInterval = time.Second
	MinCheckInterval = 10 * time.Millisecond
)

// CheckInterval returns how often silence is checked for the given timeout
// CheckInterval 返回给定超时对应的静默检查间隔
func CheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval > MaxCheckInterval {
		interval = MaxCheckInterval
	}
	if interval < MinCheckInterval {
		interval = MinCheckInterval
	}
	return interval
}

// TimeoutEvent reports that neither stream produced output for the timeout
// TimeoutEvent 表示两个输出流在超时时间内均无输出
type TimeoutEvent struct {
	Silence time.Duration
	At      time.Time
}

// Options configures the watchdog
// Options 配置看门狗
type Options struct {
	// Timeout is the allowed silence, 0 disables checking
	// Timeout 是允许的静默时长，0 表示禁用检查
	Timeout time.Duration

	// Passthrough echoes the streams to Stdout and Stderr
	// Passthrough 将输出流回显到 Stdout 和 Stderr
	Passthrough bool
	Stdout      io.Writer
	Stderr      io.Writer

	// OutputLines is the size of the recent output tail
	// OutputLines 是最近输出缓存的行数
	OutputLines int

	Logger *zap.Logger
}

// Watchdog watches the child's stdout and stderr for activity
// Watchdog 监控子进程 stdout 和 stderr 的输出活动
type Watchdog struct {
	opts   Options
	logger *zap.Logger
	tail   *Tail

	start time.Time
	// last is the last activity as monotonic nanoseconds since start
	// last 是自 start 起的单调纳秒数，表示最后一次活动
	last  atomic.Int64
	fired atomic.Bool

	timeouts chan TimeoutEvent

	readers sync.WaitGroup
	checker sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewWatchdog creates a new Watchdog instance
// NewWatchdog 创建一个新的 Watchdog 实例
func NewWatchdog(opts Options) *Watchdog {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		opts:     opts,
		logger:   logger.Named("watchdog"),
		tail:     NewTail(opts.OutputLines),
		start:    time.Now(),
		timeouts: make(chan TimeoutEvent, 1),
	}
}

// Start launches the stream readers and, when a timeout is set, the checker.
// The silence clock starts now.
// Start 启动输出流读取，如设置了超时则同时启动检查器；静默计时从此刻开始。
func (w *Watchdog) Start(ctx context.Context, stdout, stderr io.Reader) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.Touch()

	ctx, w.cancel = context.WithCancel(ctx)

	w.readers.Add(2)
	go w.readLoop("stdout", stdout, w.opts.Stdout)
	go w.readLoop("stderr", stderr, w.opts.Stderr)

	if w.opts.Timeout > 0 {
		w.checker.Add(1)
		go w.checkLoop(ctx)
		w.logger.Info("Output watchdog started",
			zap.Duration("timeout", w.opts.Timeout),
			zap.Duration("interval", CheckInterval(w.opts.Timeout)))
	}
}

// Touch records activity now
// Touch 记录当前时刻的活动
func (w *Watchdog) Touch() {
	w.last.Store(int64(time.Since(w.start)))
}

// LastActivity returns the instant of the last output
// LastActivity 返回最后一次输出的时间
func (w *Watchdog) LastActivity() time.Time {
	return w.start.Add(time.Duration(w.last.Load()))
}

// Silence returns how long both streams have been quiet
// Silence 返回两个输出流的静默时长
func (w *Watchdog) Silence() time.Duration {
	return time.Since(w.start) - time.Duration(w.last.Load())
}

// Timeouts delivers at most one event until Rearm is called
// Timeouts 在调用 Rearm 之前最多投递一个事件
func (w *Watchdog) Timeouts() <-chan TimeoutEvent {
	return w.timeouts
}

// Rearm allows the next timeout to be reported
// Rearm 允许报告下一次超时
func (w *Watchdog) Rearm() {
	w.fired.Store(false)
}

// Tail returns the recent output
// Tail 返回最近的输出
func (w *Watchdog) Tail() *Tail {
	return w.tail
}

// Stop stops the checker. Readers keep draining until their streams end.
// Stop 停止检查器，读取协程会持续读取直到输出流结束。
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.checker.Wait()
}

// Wait waits up to timeout for both readers to finish and reports whether they did
// Wait 最多等待 timeout 让两个读取协程结束，并返回是否已结束
func (w *Watchdog) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.readers.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// checkLoop runs the silence checking loop
// checkLoop 运行静默检查循环
func (w *Watchdog) checkLoop(ctx context.Context) {
	defer w.checker.Done()

	ticker := time.NewTicker(CheckInterval(w.opts.Timeout))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.fired.Load() {
				continue
			}
			silence := w.Silence()
			if silence < w.opts.Timeout {
				continue
			}
			w.fired.Store(true)
			event := TimeoutEvent{Silence: silence, At: time.Now()}
			w.logger.Warn("No output within timeout",
				zap.Duration("silence", silence),
				zap.Duration("timeout", w.opts.Timeout))
			select {
			case w.timeouts <- event:
			default:
			}
		}
	}
}

// readLoop drains one stream until EOF or close
// readLoop 持续读取一个输出流直到 EOF 或被关闭
func (w *Watchdog) readLoop(name string, r io.Reader, sink io.Writer) {
	defer w.readers.Done()

	splitter := NewLineSplitter()
	buf := make([]byte, ReadBufferSize)
	echo := w.opts.Passthrough
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.Touch()
			if echo {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					w.logger.Warn("Pass-through write failed, echo disabled",
						zap.String("stream", name), zap.Error(werr))
					echo = false
				}
			}
			for _, line := range splitter.Append(buf[:n]) {
				w.tail.Push(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				w.logger.Warn("Stream read failed", zap.String("stream", name), zap.Error(err))
			}
			break
		}
	}
	if line, ok := splitter.Finish(); ok {
		w.tail.Push(line)
	}
	w.logger.Debug("Stream closed", zap.String("stream", name))
}
