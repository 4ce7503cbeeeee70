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

package supervisor

import (
	"errors"
	"fmt"
	"os"

	"github.com/fpco/health-check/internal/process"
)

// Exit codes of the supervisor itself
// 监督进程自身的退出码
const (
	// ExitCodeFailure is used for unexpected exits and watchdog kills
	// ExitCodeFailure 用于意外退出和看门狗终止
	ExitCodeFailure = 1

	// ExitCodeConfig is used for configuration errors and generic spawn errors
	// ExitCodeConfig 用于配置错误和一般的启动错误
	ExitCodeConfig = 2

	// ExitCodeNotExecutable is used when the command cannot be executed
	// ExitCodeNotExecutable 用于命令不可执行
	ExitCodeNotExecutable = 126

	// ExitCodeNotFound is used when the command does not exist
	// ExitCodeNotFound 用于命令不存在
	ExitCodeNotFound = 127
)

// State is a supervisor lifecycle state
// State 是监督进程的生命周期状态
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateExited      State = "exited"
)

// OutcomeKind classifies how supervision ended
// OutcomeKind 对监督结束方式进行分类
type OutcomeKind string

const (
	// NormalExit: the child exited and exiting was allowed
	// NormalExit：子进程退出且允许退出
	NormalExit OutcomeKind = "normal exit"

	// UnexpectedExit: the child exited while it was expected to keep running
	// UnexpectedExit：子进程在应持续运行时退出
	UnexpectedExit OutcomeKind = "unexpected exit"

	// TimeoutKill: the child was killed after the output timeout
	// TimeoutKill：子进程因输出超时被终止
	TimeoutKill OutcomeKind = "timeout kill"

	// SignalTerminated: shutdown was requested by a signal or cancellation
	// SignalTerminated：由信号或取消请求关闭
	SignalTerminated OutcomeKind = "signal terminated"

	// Fatal: the child could not be started
	// Fatal：子进程无法启动
	Fatal OutcomeKind = "fatal"
)

// Outcome is the single result of a supervision run
// Outcome 是一次监督运行的唯一结果
type Outcome struct {
	Kind OutcomeKind

	// Status is the child's exit status, valid when HasStatus is set
	// Status 是子进程的退出状态，HasStatus 为 true 时有效
	Status    process.ExitStatus
	HasStatus bool

	// Signal is the termination signal that ended supervision, if any
	// Signal 是结束监督的终止信号（如有）
	Signal os.Signal

	// Err is the cause of a fatal outcome
	// Err 是致命结果的原因
	Err error

	// ExitCode is what the supervisor should exit with
	// ExitCode 是监督进程应使用的退出码
	ExitCode int
}

func (o Outcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("%s: %v (exit code %d)", o.Kind, o.Err, o.ExitCode)
	case o.HasStatus:
		return fmt.Sprintf("%s: %s (exit code %d)", o.Kind, o.Status, o.ExitCode)
	}
	return fmt.Sprintf("%s (exit code %d)", o.Kind, o.ExitCode)
}

// spawnExitCode maps a spawn failure to 127, 126 or 2
// spawnExitCode 将启动失败映射为 127、126 或 2
func spawnExitCode(err error) int {
	var spawnErr *process.SpawnError
	if errors.As(err, &spawnErr) {
		switch {
		case spawnErr.NotFound():
			return ExitCodeNotFound
		case spawnErr.PermissionDenied():
			return ExitCodeNotExecutable
		}
	}
	return ExitCodeConfig
}
