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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/sjson"
)

// Slack block kit limits
// Slack Block Kit 的长度限制
const (
	slackHeaderLimit = 150
	slackOutputLimit = 2900
)

// SlackNotifier posts to a Slack incoming webhook
// SlackNotifier 向 Slack Incoming Webhook 发送消息
type SlackNotifier struct {
	webhook string
	client  *http.Client
}

// NewSlackNotifier creates a notifier for webhook; a nil client uses a default one
// NewSlackNotifier 为 webhook 创建通知器；client 为 nil 时使用默认客户端
func NewSlackNotifier(webhook string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SlackNotifier{webhook: webhook, client: client}
}

// Name implements Notifier
func (s *SlackNotifier) Name() string {
	return "slack"
}

// Send implements Notifier
func (s *SlackNotifier) Send(ctx context.Context, p *Payload) error {
	body, err := BuildSlackMessage(p)
	if err != nil {
		return &NotifyError{Notifier: s.Name(), Err: fmt.Errorf("building message: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook, bytes.NewReader(body))
	if err != nil {
		return &NotifyError{Notifier: s.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &NotifyError{Notifier: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NotifyError{
			Notifier:   s.Name(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return nil
}

type slackField struct {
	path  string
	value interface{}
}

// BuildSlackMessage renders the block kit JSON for p
// BuildSlackMessage 为 p 生成 Block Kit JSON
func BuildSlackMessage(p *Payload) ([]byte, error) {
	fields := []slackField{
		{"text", "Health check alert"},
		{"blocks.0.type", "header"},
		{"blocks.0.text.type", "plain_text"},
		{"blocks.0.text.text", truncateHead(p.Reason.Message(), slackHeaderLimit)},
		{"blocks.1.type", "section"},
		{"blocks.1.block_id", "section567"},
		{"blocks.1.text.type", "mrkdwn"},
		{"blocks.1.text.text", Description(p)},
	}
	if p.ImageURL != "" {
		fields = append(fields, slackField{"blocks.1.accessory", map[string]string{
			"type":      "image",
			"image_url": p.ImageURL,
			"alt_text":  "Health check image",
		}})
	}
	if output := recentOutput(p.RecentOutput); output != "" {
		fields = append(fields,
			slackField{"blocks.2.type", "section"},
			slackField{"blocks.2.text.type", "mrkdwn"},
			slackField{"blocks.2.text.text", output},
		)
	}

	msg := []byte(`{}`)
	var err error
	for _, f := range fields {
		if msg, err = sjson.SetBytes(msg, f.path, f.value); err != nil {
			return nil, fmt.Errorf("setting %s: %w", f.path, err)
		}
	}
	return msg, nil
}

// Description renders the section text: message, application and version
// Description 生成段落文本：消息、应用与版本
func Description(p *Payload) string {
	// Literal "\n" in the configured message becomes a line break
	// 配置消息中的字面 "\n" 转换为换行
	message := strings.ReplaceAll(p.Message, `\n`, "\n")
	return fmt.Sprintf("%s \n *Application*: %s \n *Version*: %s",
		message, p.Description, ReadableImageID(p.Version))
}

// ReadableImageID returns the part of an image reference after the last ':'
// ReadableImageID 返回镜像引用中最后一个 ':' 之后的部分
func ReadableImageID(version string) string {
	if i := strings.LastIndexByte(version, ':'); i >= 0 {
		return version[i+1:]
	}
	return version
}

func recentOutput(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	text := strings.Join(lines, "\n")
	text = truncateTail(text, slackOutputLimit)
	return "*Recent output*\n```\n" + text + "\n```"
}

// truncateHead keeps the first limit bytes on a rune boundary
func truncateHead(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// truncateTail keeps the last limit bytes on a rune boundary
func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit + len("…\n")
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "…\n" + s[start:]
}
