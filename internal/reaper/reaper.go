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

// Package reaper fulfills the init duties of PID 1: it forwards signals to the
// supervised child and reaps orphaned zombie processes.
// reaper 包履行 PID 1 的职责：向被监督子进程转发信号并回收孤儿僵尸进程。
package reaper

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Reaper modes
// 回收模式
const (
	ModeAuto   = "auto"
	ModeAlways = "always"
	ModeNever  = "never"
)

// DefaultInterval is the default period of the safety-net reap
// DefaultInterval 是兜底回收的默认周期
const DefaultInterval = 5 * time.Second

// recentLimit bounds the unclaimed statuses kept for late claims
const recentLimit = 64

// ErrSubreaperUnsupported indicates the platform has no child subreaper support
// ErrSubreaperUnsupported 表示当前平台不支持子进程收割者
var ErrSubreaperUnsupported = errors.New("child subreaper is not supported on this platform")

// ProcessInfo describes a reaped process
// ProcessInfo 描述被回收的进程
type ProcessInfo struct {
	Pid    int
	Status syscall.WaitStatus
}

// SignalSource abstracts signal delivery and non-blocking reaping
// SignalSource 抽象信号接收和非阻塞回收
type SignalSource interface {
	// Install starts delivery of sigs on the returned channel
	// Install 开始在返回的通道上投递信号
	Install(sigs ...os.Signal) <-chan os.Signal

	// Reap collects every exited child without blocking
	// Reap 非阻塞地回收所有已退出的子进程
	Reap() []ProcessInfo

	// Teardown stops signal delivery
	// Teardown 停止信号投递
	Teardown()
}

// Forwarder receives forwarded signals
// Forwarder 接收被转发的信号
type Forwarder interface {
	Signal(sig os.Signal) error
}

// Options configures the reaper
// Options 配置回收器
type Options struct {
	Mode      string
	Subreaper bool
	Interval  time.Duration
	Source    SignalSource
	Logger    *zap.Logger
}

// Reaper forwards signals and reaps zombies
// Reaper 转发信号并回收僵尸进程
type Reaper struct {
	opts    Options
	source  SignalSource
	logger  *zap.Logger
	reaping bool

	mu      sync.Mutex
	target  Forwarder
	pending []os.Signal
	claims  map[int]chan syscall.WaitStatus
	recent  []ProcessInfo

	terminations chan os.Signal

	started   bool
	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a new Reaper instance
// New 创建一个新的 Reaper 实例
func New(opts Options) *Reaper {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Source == nil {
		opts.Source = NewOSSignalSource()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		opts:         opts,
		source:       opts.Source,
		logger:       logger.Named("reaper"),
		claims:       make(map[int]chan syscall.WaitStatus),
		terminations: make(chan os.Signal, 4),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start installs the signal handlers and starts the loop
// Start 安装信号处理并启动循环
func (r *Reaper) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		if r.opts.Subreaper && os.Getpid() != 1 {
			if err := setSubreaper(); err != nil {
				r.logger.Warn("Failed to register as child subreaper", zap.Error(err))
			} else {
				r.logger.Info("Registered as child subreaper")
			}
		}
		r.reaping = r.shouldReap()

		sigs := append(append([]os.Signal{}, terminationSignals...), forwardSignals...)
		if r.reaping {
			sigs = append(sigs, syscall.SIGCHLD)
		}
		ch := r.source.Install(sigs...)

		r.logger.Info("Signal handling started",
			zap.String("mode", r.opts.Mode),
			zap.Bool("reaping", r.reaping),
			zap.Int("pid", os.Getpid()))

		r.started = true
		go r.loop(ctx, ch)
	})
}

func (r *Reaper) shouldReap() bool {
	switch r.opts.Mode {
	case ModeAlways:
		return true
	case ModeNever:
		return false
	}
	return os.Getpid() == 1 || isSubreaper()
}

// Reaping reports whether orphans are reaped
// Reaping 报告是否回收孤儿进程
func (r *Reaper) Reaping() bool {
	return r.reaping
}

// Terminations delivers termination-class signals after they were forwarded
// Terminations 在转发后投递终止类信号
func (r *Reaper) Terminations() <-chan os.Signal {
	return r.terminations
}

// Attach sets the forwarding target and forwards signals received so far
// Attach 设置转发目标并转发此前收到的信号
func (r *Reaper) Attach(target Forwarder) {
	r.mu.Lock()
	r.target = target
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, sig := range pending {
		r.forward(target, sig)
	}
}

// Detach clears the forwarding target
// Detach 清除转发目标
func (r *Reaper) Detach() {
	r.mu.Lock()
	r.target = nil
	r.mu.Unlock()
}

// Claim registers interest in pid's exit status. If the status was already
// reaped it is delivered immediately. The cancel function drops the claim.
// Claim 登记对 pid 退出状态的关注；若已回收则立即投递。
func (r *Reaper) Claim(pid int) (<-chan syscall.WaitStatus, func()) {
	ch := make(chan syscall.WaitStatus, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.recent {
		if p.Pid == pid {
			r.recent = append(r.recent[:i], r.recent[i+1:]...)
			ch <- p.Status
			return ch, func() {}
		}
	}
	r.claims[pid] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.claims[pid] == ch {
			delete(r.claims, pid)
		}
	}
}

// Stop tears down the handlers, does a final reap and joins the loop
// Stop 卸载信号处理，执行最后一次回收并等待循环结束
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		// A reaper stopped before Start never starts / 未启动即停止的回收器不会再启动
		r.startOnce.Do(func() {})
		if !r.started {
			return
		}
		close(r.stopCh)
		<-r.done
		r.source.Teardown()
		if r.reaping {
			r.reapAll()
		}
		r.logger.Debug("Signal handling stopped")
	})
}

// loop handles captured signals and the periodic reap
// loop 处理捕获的信号和周期性回收
func (r *Reaper) loop(ctx context.Context, sigs <-chan os.Signal) {
	defer close(r.done)

	var tick <-chan time.Time
	if r.reaping {
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case sig := <-sigs:
			r.handle(sig)
		case <-tick:
			r.reapAll()
		}
	}
}

func (r *Reaper) handle(sig os.Signal) {
	if sig == syscall.SIGCHLD {
		r.reapAll()
		return
	}

	r.mu.Lock()
	target := r.target
	if target == nil {
		r.pending = append(r.pending, sig)
	}
	r.mu.Unlock()

	r.logger.Info("Received signal", zap.Stringer("signal", sig), zap.Bool("attached", target != nil))

	// Published before forwarding, so a child killed by the forwarded signal
	// is never seen as exiting on its own.
	// 在转发前发布，避免被转发信号终止的子进程被误判为自行退出。
	if isTermination(sig) {
		select {
		case r.terminations <- sig:
		default:
		}
	}

	if target != nil {
		r.forward(target, sig)
	}
}

func (r *Reaper) forward(target Forwarder, sig os.Signal) {
	if err := target.Signal(sig); err != nil {
		r.logger.Warn("Failed to forward signal", zap.Stringer("signal", sig), zap.Error(err))
	}
}

func (r *Reaper) reapAll() {
	for _, p := range r.source.Reap() {
		r.deliver(p)
	}
}

func (r *Reaper) deliver(p ProcessInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.claims[p.Pid]; ok {
		delete(r.claims, p.Pid)
		ch <- p.Status
		return
	}

	r.recent = append(r.recent, p)
	if len(r.recent) > recentLimit {
		r.recent = r.recent[len(r.recent)-recentLimit:]
	}
	r.logger.Info("Reaped orphan process",
		zap.Int("pid", p.Pid),
		zap.Int("exit_status", p.Status.ExitStatus()),
		zap.Bool("signaled", p.Status.Signaled()))
}

func isTermination(sig os.Signal) bool {
	for _, s := range terminationSignals {
		if s == sig {
			return true
		}
	}
	return false
}
