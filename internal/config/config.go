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

// Package config provides configuration management for the health-check supervisor.
// config 包提供 health-check 监督进程的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Command line arguments / 命令行参数
// 2. Environment variables / 环境变量
// 3. Configuration file / 配置文件
// 4. Default values / 默认值
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override
// EnvPrefix 是所有环境变量覆盖的前缀
const EnvPrefix = "HEALTH_CHECK"

// Default configuration values
// 默认配置值
const (
	DefaultOutputLines          = 50
	DefaultKillGracePeriod      = 10 * time.Second
	DefaultNotifyMaxAttempts    = 3
	DefaultNotifyAttemptTimeout = 10 * time.Second
	DefaultNotifyInitialBackoff = 1 * time.Second
	DefaultNotifyMaxBackoff     = 8 * time.Second
	DefaultNotifyTotalTimeout   = 30 * time.Second
	DefaultReaperInterval       = 5 * time.Second
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "console"
	DefaultLogMaxSize           = 100 // MB
	DefaultLogMaxBackups        = 3
	DefaultLogMaxAge            = 7 // days
)

// Reaper modes
// 回收模式
const (
	// ReaperModeAuto reaps orphans only when running as PID 1 or as a child subreaper
	// ReaperModeAuto 仅在作为 PID 1 或子进程收割者运行时回收孤儿进程
	ReaperModeAuto = "auto"

	// ReaperModeAlways always reaps orphans
	// ReaperModeAlways 始终回收孤儿进程
	ReaperModeAlways = "always"

	// ReaperModeNever never reaps orphans
	// ReaperModeNever 从不回收孤儿进程
	ReaperModeNever = "never"
)

// ErrConfig is wrapped by every validation and loading failure
// ErrConfig 包装所有校验和加载失败
var ErrConfig = errors.New("invalid configuration")

// Config represents the supervisor configuration
// Config 表示监督进程配置
type Config struct {
	// App describes the supervised application in notifications / 通知中描述被监督应用
	App AppConfig `mapstructure:"app" yaml:"app"`

	// Task configures the child command and its watchdog / 子命令及看门狗配置
	Task TaskConfig `mapstructure:"task" yaml:"task"`

	// Notify configures failure notification delivery / 失败通知投递配置
	Notify NotifyConfig `mapstructure:"notify" yaml:"notify"`

	// Reaper configures PID 1 duties / PID 1 职责配置
	Reaper ReaperConfig `mapstructure:"reaper" yaml:"reaper"`

	// Log configuration / 日志配置
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Health endpoint configuration / 健康检查端点配置
	Health HealthConfig `mapstructure:"health" yaml:"health"`
}

// AppConfig contains the application details shown in notifications
// AppConfig 包含通知中展示的应用信息
type AppConfig struct {
	Description         string `mapstructure:"description" yaml:"description"`
	Version             string `mapstructure:"version" yaml:"version"`
	NotificationMessage string `mapstructure:"notification_message" yaml:"notification_message"`
	ImageURL            string `mapstructure:"image_url" yaml:"image_url,omitempty"`
}

// TaskConfig contains the supervised command settings
// TaskConfig 包含被监督命令的设置
type TaskConfig struct {
	// Command is the program and its arguments
	// Command 是程序及其参数
	Command []string `mapstructure:"command" yaml:"command"`

	// OutputTimeout is the silence window before the child is considered hung (0 disables)
	// OutputTimeout 是判定子进程卡死前的静默窗口（0 表示禁用）
	OutputTimeout time.Duration `mapstructure:"output_timeout" yaml:"output_timeout"`

	// CanExit allows the child to exit on its own without a failure notification
	// CanExit 允许子进程自行退出而不发送失败通知
	CanExit bool `mapstructure:"can_exit" yaml:"can_exit"`

	// OutputLines is how many recent output lines are kept for notifications
	// OutputLines 是为通知保留的最近输出行数
	OutputLines int `mapstructure:"output_lines" yaml:"output_lines"`

	// Passthrough echoes the child's output to our own stdout/stderr
	// Passthrough 将子进程输出回显到自身的 stdout/stderr
	Passthrough bool `mapstructure:"passthrough" yaml:"passthrough"`

	// KillGracePeriod is the wait between SIGTERM and SIGKILL
	// KillGracePeriod 是 SIGTERM 与 SIGKILL 之间的等待时间
	KillGracePeriod time.Duration `mapstructure:"kill_grace_period" yaml:"kill_grace_period"`

	// SignalProcessGroup delivers signals to the child's whole process group
	// SignalProcessGroup 将信号发送到子进程的整个进程组
	SignalProcessGroup bool `mapstructure:"signal_process_group" yaml:"signal_process_group"`
}

// NotifyConfig contains notification delivery settings
// NotifyConfig 包含通知投递设置
type NotifyConfig struct {
	SlackWebhook   string        `mapstructure:"slack_webhook" yaml:"slack_webhook,omitempty"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	TotalTimeout   time.Duration `mapstructure:"total_timeout" yaml:"total_timeout"`
}

// ReaperConfig contains signal forwarding and zombie reaping settings
// ReaperConfig 包含信号转发和僵尸进程回收设置
type ReaperConfig struct {
	Mode      string        `mapstructure:"mode" yaml:"mode"`
	Subreaper bool          `mapstructure:"subreaper" yaml:"subreaper"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the encoder: console or json
	// Format 是编码格式：console 或 json
	Format string `mapstructure:"format" yaml:"format"`

	// File is an optional rotated log file in addition to stderr
	// File 是除 stderr 之外可选的轮转日志文件
	File string `mapstructure:"file" yaml:"file,omitempty"`

	MaxSize    int `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int `mapstructure:"max_age" yaml:"max_age"`
}

// HealthConfig contains the optional probe endpoints
// HealthConfig 包含可选的探针端点
type HealthConfig struct {
	GRPCAddress string `mapstructure:"grpc_address" yaml:"grpc_address,omitempty"`
	HTTPAddress string `mapstructure:"http_address" yaml:"http_address,omitempty"`
}

// envAliases maps config keys to the environment variable names documented for the CLI.
// Keys not listed here still get HEALTH_CHECK_<SECTION>_<KEY> through AutomaticEnv.
// An alias must never equal a bare section name such as HEALTH_CHECK_REAPER: viper would
// then treat the whole section as set by that variable.
var envAliases = map[string][]string{
	"app.description":          {"HEALTH_CHECK_APP_DESCRIPTION"},
	"app.version":              {"HEALTH_CHECK_APP_VERSION"},
	"app.notification_message": {"HEALTH_CHECK_NOTIFICATION_MESSAGE", "HEALTH_CHECK_NOTIFICATION_CONTEXT"},
	"app.image_url":            {"HEALTH_CHECK_IMAGE_URL"},
	"task.output_timeout":      {"HEALTH_CHECK_TASK_OUTPUT_TIMEOUT"},
	"task.output_lines":        {"HEALTH_CHECK_OUTPUT_LINES"},
	"task.kill_grace_period":   {"HEALTH_CHECK_KILL_GRACE_PERIOD"},
	"notify.slack_webhook":     {"HEALTH_CHECK_SLACK_WEBHOOK"},
	"reaper.mode":              {"HEALTH_CHECK_REAPER_MODE"},
	"health.grpc_address":      {"HEALTH_CHECK_GRPC_HEALTH_ADDR"},
	"health.http_address":      {"HEALTH_CHECK_HTTP_HEALTH_ADDR"},
}

// FlagKeys maps CLI flag names to config keys
// FlagKeys 将命令行标志名映射到配置键
var FlagKeys = map[string]string{
	"app-description":      "app.description",
	"app-version":          "app.version",
	"notification-message": "app.notification_message",
	"image-url":            "app.image_url",
	"task-output-timeout":  "task.output_timeout",
	"can-exit":             "task.can_exit",
	"output-lines":         "task.output_lines",
	"kill-grace-period":    "task.kill_grace_period",
	"slack-webhook":        "notify.slack_webhook",
	"reaper":               "reaper.mode",
	"subreaper":            "reaper.subreaper",
	"grpc-health-addr":     "health.grpc_address",
	"http-health-addr":     "health.http_address",
	"log-level":            "log.level",
	"log-format":           "log.format",
	"log-file":             "log.file",
}

// Load loads configuration from an optional file, environment variables and flags.
// command, when non-empty, replaces task.command from the file.
// Load 从可选的配置文件、环境变量和命令行标志加载配置。
func Load(configPath string, flags *pflag.FlagSet, command []string) (*Config, error) {
	v := viper.New()

	// Set default values / 设置默认值
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file %s: %v", ErrConfig, configPath, err)
		}
	}

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envAliases {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("%w: binding env for %s: %v", ErrConfig, key, err)
		}
	}

	// Apply command line arguments (highest priority)
	// 应用命令行参数（最高优先级）
	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: binding flag --%s: %v", ErrConfig, name, err)
				}
			}
		}
		if f := flags.Lookup("no-passthrough"); f != nil && f.Changed {
			v.Set("task.passthrough", f.Value.String() != "true")
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if len(command) > 0 {
		cfg.Task.Command = append([]string(nil), command...)
	}

	// An explicitly configured timeout must be positive.
	if v.IsSet("task.output_timeout") && cfg.Task.OutputTimeout <= 0 {
		return nil, fmt.Errorf("%w: task.output_timeout must be positive when set", ErrConfig)
	}

	return cfg, nil
}

// LoadFromYAML loads configuration from YAML bytes
// LoadFromYAML 从 YAML 字节加载配置
func LoadFromYAML(yamlData []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults first / 首先设置默认值
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(string(yamlData))); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrConfig, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", ErrConfig, err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// App defaults / 应用默认值
	v.SetDefault("app.description", "")
	v.SetDefault("app.version", "")
	v.SetDefault("app.notification_message", "")
	v.SetDefault("app.image_url", "")

	// Task defaults / 任务默认值
	v.SetDefault("task.can_exit", false)
	v.SetDefault("task.output_lines", DefaultOutputLines)
	v.SetDefault("task.passthrough", true)
	v.SetDefault("task.kill_grace_period", DefaultKillGracePeriod)
	v.SetDefault("task.signal_process_group", true)

	// Notify defaults / 通知默认值
	v.SetDefault("notify.slack_webhook", "")
	v.SetDefault("notify.max_attempts", DefaultNotifyMaxAttempts)
	v.SetDefault("notify.attempt_timeout", DefaultNotifyAttemptTimeout)
	v.SetDefault("notify.initial_backoff", DefaultNotifyInitialBackoff)
	v.SetDefault("notify.max_backoff", DefaultNotifyMaxBackoff)
	v.SetDefault("notify.total_timeout", DefaultNotifyTotalTimeout)

	// Reaper defaults / 回收默认值
	v.SetDefault("reaper.mode", ReaperModeAuto)
	v.SetDefault("reaper.subreaper", false)
	v.SetDefault("reaper.interval", DefaultReaperInterval)

	// Log defaults / 日志默认值
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)

	// Health defaults / 健康检查默认值
	v.SetDefault("health.grpc_address", "")
	v.SetDefault("health.http_address", "")
}

// durationHook decodes durations from Go duration strings or bare numbers of seconds.
func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch d := data.(type) {
		case time.Duration:
			return d, nil
		case string:
			if strings.TrimSpace(d) == "" {
				return time.Duration(0), nil
			}
			return ParseDuration(d)
		case int:
			return time.Duration(d) * time.Second, nil
		case int64:
			return time.Duration(d) * time.Second, nil
		case uint:
			return time.Duration(d) * time.Second, nil
		case float64:
			return time.Duration(d * float64(time.Second)), nil
		}
		return data, nil
	}
}

// ParseDuration parses a Go duration string ("90s", "2m") or a bare number of seconds ("30").
// ParseDuration 解析 Go 时长字符串（"90s"、"2m"）或纯秒数（"30"）。
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q: expected seconds or a duration such as 90s", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("malformed duration %q: must not be negative", s)
	}
	return d, nil
}

// Validate validates the configuration and reports every problem found
// Validate 验证配置并报告发现的所有问题
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrConfig}, args...)...))
	}

	// Required application details / 必填的应用信息
	if strings.TrimSpace(c.App.Description) == "" {
		fail("app.description is required (--app-description)")
	}
	if strings.TrimSpace(c.App.Version) == "" {
		fail("app.version is required (--app-version or HEALTH_CHECK_APP_VERSION)")
	}
	if strings.TrimSpace(c.App.NotificationMessage) == "" {
		fail("app.notification_message is required (--notification-message or HEALTH_CHECK_NOTIFICATION_MESSAGE)")
	}
	if c.App.ImageURL != "" {
		if err := validateURL(c.App.ImageURL); err != nil {
			fail("app.image_url: %v", err)
		}
	}

	// Task / 任务
	if len(c.Task.Command) == 0 || c.Task.Command[0] == "" {
		fail("task.command is required")
	}
	if c.Task.OutputTimeout < 0 {
		fail("task.output_timeout must be positive when set")
	}
	if c.Task.OutputLines < 0 {
		fail("task.output_lines must not be negative")
	}
	if c.Task.KillGracePeriod < 0 {
		fail("task.kill_grace_period must not be negative")
	}

	// Notify / 通知
	if c.Notify.SlackWebhook != "" {
		if err := validateURL(c.Notify.SlackWebhook); err != nil {
			fail("notify.slack_webhook: %v", err)
		}
	}
	if c.Notify.MaxAttempts < 1 {
		fail("notify.max_attempts must be at least 1")
	}
	if c.Notify.AttemptTimeout <= 0 || c.Notify.TotalTimeout <= 0 {
		fail("notify.attempt_timeout and notify.total_timeout must be positive")
	}
	if c.Notify.MaxBackoff < c.Notify.InitialBackoff {
		fail("notify.max_backoff must not be smaller than notify.initial_backoff")
	}

	// Reaper / 回收
	switch c.Reaper.Mode {
	case ReaperModeAuto, ReaperModeAlways, ReaperModeNever:
	default:
		fail("invalid reaper.mode: %s (must be auto, always, or never)", c.Reaper.Mode)
	}
	if c.Reaper.Interval <= 0 {
		fail("reaper.interval must be positive")
	}

	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		fail("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		fail("invalid log format: %s (must be console or json)", c.Log.Format)
	}

	return errors.Join(errs...)
}

// validateURL accepts absolute http(s) URLs only.
func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("malformed URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}

// Redacted returns a copy of the config safe to print: the webhook path is a secret.
// Redacted 返回可安全打印的配置副本：webhook 路径属于敏感信息。
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Task.Command = append([]string(nil), c.Task.Command...)
	if c.Notify.SlackWebhook != "" {
		if u, err := url.Parse(c.Notify.SlackWebhook); err == nil && u.Host != "" {
			cp.Notify.SlackWebhook = u.Scheme + "://" + u.Host + "/***"
		} else {
			cp.Notify.SlackWebhook = "***"
		}
	}
	return &cp
}

// ToYAML serializes the redacted configuration to YAML format
// ToYAML 将脱敏后的配置序列化为 YAML 格式
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{App.Description: %s, App.Version: %s, Task.Command: %v, Task.OutputTimeout: %v, Task.CanExit: %t, Notify.Enabled: %t, Reaper.Mode: %s}",
		c.App.Description,
		c.App.Version,
		c.Task.Command,
		c.Task.OutputTimeout,
		c.Task.CanExit,
		c.Notify.SlackWebhook != "",
		c.Reaper.Mode,
	)
}
