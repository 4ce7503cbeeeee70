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

// Package notify delivers failure notifications for the supervised application.
// notify 包为被监督应用投递失败通知。
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fpco/health-check/internal/config"
)

// ReasonKind is the class of failure being reported
// ReasonKind 是被报告的失败类别
type ReasonKind string

const (
	// ReasonUnexpectedExit indicates the child exited while it was not allowed to
	// ReasonUnexpectedExit 表示子进程在不允许退出时退出
	ReasonUnexpectedExit ReasonKind = "unexpected exit"

	// ReasonOutputTimeout indicates the child stopped producing output
	// ReasonOutputTimeout 表示子进程停止输出
	ReasonOutputTimeout ReasonKind = "output timeout"
)

// Reason describes why a notification is sent
// Reason 描述发送通知的原因
type Reason struct {
	Kind   ReasonKind
	Detail string
}

// Message returns the human readable reason
// Message 返回可读的原因描述
func (r Reason) Message() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return r.Detail
}

// UnexpectedExit builds the reason for a child that exited on its own
// UnexpectedExit 构建子进程自行退出的原因
func UnexpectedExit(status fmt.Stringer) Reason {
	return Reason{
		Kind:   ReasonUnexpectedExit,
		Detail: fmt.Sprintf("Process exited unexpectedly: %s", status),
	}
}

// OutputTimeout builds the reason for a silent child
// OutputTimeout 构建子进程静默超时的原因
func OutputTimeout(timeout time.Duration) Reason {
	return Reason{
		Kind:   ReasonOutputTimeout,
		Detail: fmt.Sprintf("No output received for %s", timeout),
	}
}

// Payload is the read-only content of one notification
// Payload 是一次通知的只读内容
type Payload struct {
	Reason       Reason
	Message      string
	Description  string
	Version      string
	ImageURL     string
	RecentOutput []string
	At           time.Time
}

// NewPayload builds a payload from the application details
// NewPayload 根据应用信息构建通知内容
func NewPayload(app config.AppConfig, reason Reason, recent []string) *Payload {
	return &Payload{
		Reason:       reason,
		Message:      app.NotificationMessage,
		Description:  app.Description,
		Version:      app.Version,
		ImageURL:     app.ImageURL,
		RecentOutput: recent,
		At:           time.Now(),
	}
}

// Notifier sends a payload to one backend
// Notifier 将通知内容发送到一个后端
type Notifier interface {
	Name() string
	Send(ctx context.Context, p *Payload) error
}

// NotifyError is a failed delivery attempt
// NotifyError 表示一次失败的投递
type NotifyError struct {
	Notifier   string
	StatusCode int
	Body       string
	Err        error
}

func (e *NotifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s notification failed: %v", e.Notifier, e.Err)
	}
	return fmt.Sprintf("%s notification POST request failed with code %d: %s", e.Notifier, e.StatusCode, e.Body)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
// Client errors other than 408 and 429 are final.
// Retryable 报告重试是否可能成功。
func (e *NotifyError) Retryable() bool {
	if e.Err != nil || e.StatusCode == 0 {
		return true
	}
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}
