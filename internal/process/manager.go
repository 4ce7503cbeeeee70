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

// Package process provides child process lifecycle management for the supervisor.
// process 包提供监督进程的子进程生命周期管理功能。
//
// This package provides:
// 此包提供：
// - Spawn with piped stdout/stderr in a new process group / 在新进程组中启动并接管 stdout/stderr
// - Non-blocking exit polling / 非阻塞的退出状态查询
// - Graceful kill with grace period / 带宽限期的优雅终止
// - Signal delivery to the child or its process group / 向子进程或其进程组发送信号
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Common errors for process management
// 进程管理的常见错误
var (
	// ErrEmptyCommand indicates no command was given
	// ErrEmptyCommand 表示未指定命令
	ErrEmptyCommand = errors.New("empty command")

	// ErrNotSignal indicates a signal value that cannot be delivered
	// ErrNotSignal 表示无法发送的信号值
	ErrNotSignal = errors.New("unsupported signal")
)

// DefaultKillGracePeriod is the default wait between SIGTERM and SIGKILL
// DefaultKillGracePeriod 是 SIGTERM 与 SIGKILL 之间的默认等待时间
const DefaultKillGracePeriod = 10 * time.Second

// ChildState represents the lifecycle state of a child
// ChildState 表示子进程的生命周期状态
type ChildState string

const (
	// StateSpawned indicates the process is being started
	// StateSpawned 表示进程正在启动
	StateSpawned ChildState = "spawned"

	// StateRunning indicates the process is running
	// StateRunning 表示进程正在运行
	StateRunning ChildState = "running"

	// StateExited indicates the exit status was collected
	// StateExited 表示已收集退出状态
	StateExited ChildState = "exited"
)

// SpawnError indicates the child could not be started
// SpawnError 表示子进程无法启动
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the command does not exist
// NotFound 报告命令是否不存在
func (e *SpawnError) NotFound() bool {
	return errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, os.ErrNotExist)
}

// PermissionDenied reports whether the command is not executable
// PermissionDenied 报告命令是否不可执行
func (e *SpawnError) PermissionDenied() bool {
	return errors.Is(e.Err, os.ErrPermission)
}

// ExitStatus is the collected exit status of a child
// ExitStatus 是收集到的子进程退出状态
type ExitStatus struct {
	// Code is the exit code, -1 when signalled
	// Code 是退出码，被信号终止时为 -1
	Code int

	// Signal is the terminating signal, if any
	// Signal 是终止进程的信号（如有）
	Signal syscall.Signal

	// Signaled reports whether the process was terminated by a signal
	// Signaled 表示进程是否被信号终止
	Signaled bool
}

// ExitStatusFromWait converts a raw wait status
// ExitStatusFromWait 转换原始等待状态
func ExitStatusFromWait(ws syscall.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal(), Signaled: true}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

// ExitCode returns the exit code, or 128+signal for a signalled process
// ExitCode 返回退出码，被信号终止时返回 128+信号值
func (s ExitStatus) ExitCode() int {
	if s.Signaled {
		return 128 + int(s.Signal)
	}
	return s.Code
}

// Success reports a zero exit code
// Success 表示退出码为 0
func (s ExitStatus) Success() bool {
	return !s.Signaled && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return fmt.Sprintf("signal: %s", s.Signal)
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// StatusClaimer hands over exit statuses reaped by someone else.
// The returned cancel function releases the claim.
// StatusClaimer 移交由其他组件回收的退出状态。
type StatusClaimer interface {
	Claim(pid int) (<-chan syscall.WaitStatus, func())
}

// Options configures the manager
// Options 配置管理器
type Options struct {
	// KillGracePeriod is the wait between SIGTERM and SIGKILL
	// KillGracePeriod 是 SIGTERM 与 SIGKILL 之间的等待时间
	KillGracePeriod time.Duration

	// SignalProcessGroup delivers signals to the child's process group
	// SignalProcessGroup 将信号发送到子进程的进程组
	SignalProcessGroup bool

	// Dir is the working directory, empty means ours
	// Dir 是工作目录，为空表示继承当前目录
	Dir string

	// Env is the child environment, nil means ours
	// Env 是子进程环境变量，为 nil 表示继承当前环境
	Env []string
}

// Manager spawns supervised children
// Manager 启动被监督的子进程
type Manager struct {
	opts    Options
	claimer StatusClaimer
	logger  *zap.Logger
}

// NewManager creates a new Manager
// NewManager 创建新的 Manager
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.KillGracePeriod < 0 {
		opts.KillGracePeriod = DefaultKillGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{opts: opts, logger: logger}
}

// WithClaimer attaches the reaper that may collect our child's status first
// WithClaimer 关联可能先行回收子进程状态的回收器
func (m *Manager) WithClaimer(c StatusClaimer) *Manager {
	m.claimer = c
	return m
}

// Spawn starts command with fresh stdout/stderr pipes in its own process group.
// Spawn 在独立进程组中启动命令，并为 stdout/stderr 创建新管道。
func (m *Manager) Spawn(ctx context.Context, command []string) (*Child, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, &SpawnError{Err: ErrEmptyCommand}
	}
	name := strings.Join(command, " ")
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: name, Err: err}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: name, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &SpawnError{Command: name, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.Dir = m.opts.Dir
	cmd.Env = m.opts.Env
	setProcGroupAttr(cmd)

	c := &Child{
		cmd:     cmd,
		command: name,
		stdout:  outR,
		stderr:  errR,
		state:   StateSpawned,
		done:    make(chan struct{}),
		grace:   m.opts.KillGracePeriod,
		group:   m.opts.SignalProcessGroup,
		logger:  m.logger,
	}

	startErr := cmd.Start()
	// The child holds its own copies of the write ends
	// 子进程持有写端副本，父进程关闭自己的写端
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		return nil, &SpawnError{Command: name, Err: startErr}
	}

	c.pid = cmd.Process.Pid
	c.logger = m.logger.With(zap.Int("pid", c.pid))

	var claim <-chan syscall.WaitStatus
	cancel := func() {}
	if m.claimer != nil {
		claim, cancel = m.claimer.Claim(c.pid)
	}

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	go c.wait(claim, cancel)

	c.logger.Info("Child process started",
		zap.String("command", name),
		zap.Bool("process_group", c.group))
	return c, nil
}

// Child is a running supervised process
// Child 是正在运行的被监督进程
type Child struct {
	cmd     *exec.Cmd
	pid     int
	command string
	stdout  *os.File
	stderr  *os.File

	mu     sync.Mutex
	state  ChildState
	status ExitStatus
	done   chan struct{}

	grace  time.Duration
	group  bool
	logger *zap.Logger

	killOnce    sync.Once
	releaseOnce sync.Once
}

// wait is the single waiter collecting the exit status
// wait 是收集退出状态的唯一等待者
func (c *Child) wait(claim <-chan syscall.WaitStatus, cancel func()) {
	defer cancel()

	var status ExitStatus
	err := c.cmd.Wait()
	switch {
	case c.cmd.ProcessState != nil:
		ws, _ := c.cmd.ProcessState.Sys().(syscall.WaitStatus)
		status = ExitStatusFromWait(ws)
	case claim != nil:
		// The reaper got to it first / 回收器已先行回收
		c.logger.Debug("Exit status collected by reaper", zap.Error(err))
		status = ExitStatusFromWait(<-claim)
	default:
		c.logger.Error("Failed to collect exit status", zap.Error(err))
		status = ExitStatus{Code: -1}
	}

	c.mu.Lock()
	c.status = status
	c.state = StateExited
	c.mu.Unlock()
	close(c.done)

	c.logger.Info("Child process exited",
		zap.Int("exit_code", status.ExitCode()),
		zap.Stringer("status", status))
}

// Pid returns the process ID
// Pid 返回进程 ID
func (c *Child) Pid() int { return c.pid }

// Command returns the command line
// Command 返回命令行
func (c *Child) Command() string { return c.command }

// Stdout returns the read end of the child's stdout pipe
// Stdout 返回子进程 stdout 管道的读端
func (c *Child) Stdout() io.Reader { return c.stdout }

// Stderr returns the read end of the child's stderr pipe
// Stderr 返回子进程 stderr 管道的读端
func (c *Child) Stderr() io.Reader { return c.stderr }

// State returns the lifecycle state
// State 返回生命周期状态
func (c *Child) State() ChildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the exit status is collected
// Done 在收集到退出状态后关闭
func (c *Child) Done() <-chan struct{} { return c.done }

// PollExit returns the exit status without blocking
// PollExit 非阻塞地返回退出状态
func (c *Child) PollExit() (ExitStatus, bool) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.status, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the child exits or ctx is done
// Wait 阻塞直到子进程退出或 ctx 结束
func (c *Child) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-c.done:
		status, _ := c.PollExit()
		return status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Signal delivers sig to the child (or its process group).
// After exit it is a no-op.
// Signal 向子进程（或其进程组）发送信号，进程退出后为空操作。
func (c *Child) Signal(sig os.Signal) error {
	if _, exited := c.PollExit(); exited {
		return nil
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotSignal, sig)
	}
	if c.group {
		if err := signalGroup(c.pid, s); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signal %s to process group %d: %w", s, c.pid, err)
		}
		return nil
	}
	if err := c.cmd.Process.Signal(s); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s to process %d: %w", s, c.pid, err)
	}
	return nil
}

// Kill sends SIGTERM, waits the grace period, then sends SIGKILL and waits for exit.
// Only the first call does anything; later or concurrent calls return nil.
// Kill 发送 SIGTERM，等待宽限期后发送 SIGKILL 并等待退出；仅首次调用生效。
func (c *Child) Kill(ctx context.Context) error {
	first := false
	c.killOnce.Do(func() { first = true })
	if !first {
		return nil
	}
	if _, exited := c.PollExit(); exited {
		return nil
	}

	c.logger.Info("Stopping child process", zap.Duration("grace_period", c.grace))
	if err := c.Signal(syscall.SIGTERM); err != nil {
		c.logger.Warn("Failed to send SIGTERM", zap.Error(err))
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		c.logger.Warn("Child did not exit within grace period, sending SIGKILL")
	case <-ctx.Done():
		c.logger.Warn("Kill cancelled, sending SIGKILL", zap.Error(ctx.Err()))
	}

	if err := c.Signal(syscall.SIGKILL); err != nil {
		c.logger.Error("Failed to send SIGKILL", zap.Error(err))
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for process %d after SIGKILL: %w", c.pid, ctx.Err())
	}
}

// Release closes the pipe read ends. Readers blocked on them return.
// Release 关闭管道读端，阻塞在读取上的 reader 将返回。
func (c *Child) Release() error {
	var err error
	c.releaseOnce.Do(func() {
		err = errors.Join(c.stdout.Close(), c.stderr.Close())
	})
	return err
}
