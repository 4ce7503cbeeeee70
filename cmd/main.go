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

// Package main is the entry point for health-check.
// main 包是 health-check 的入口点。
//
// health-check runs as the container entrypoint (often PID 1):
// health-check 作为容器入口进程运行（通常为 PID 1）：
// - Spawns and supervises one command / 启动并监督一个命令
// - Kills it when it stops producing output / 在其停止输出时终止它
// - Sends a Slack alert when it dies or hangs / 在其退出或卡死时发送 Slack 告警
// - Forwards signals and reaps zombies / 转发信号并回收僵尸进程
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fpco/health-check/internal/config"
	"github.com/fpco/health-check/internal/logger"
	"github.com/fpco/health-check/internal/supervisor"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// exitError carries the process exit code out of cobra
// exitError 将进程退出码从 cobra 中带出
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// configError wraps a configuration failure with exit code 2
// configError 将配置错误包装为退出码 2
func configError(err error) error {
	return &exitError{code: supervisor.ExitCodeConfig, err: err}
}

// registerFlags adds the supervision flags to fs
// registerFlags 向 fs 添加监督相关标志
func registerFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "config file path (env HEALTH_CHECK_CONFIG)")

	// Application details / 应用信息
	fs.String("app-description", "", "application description shown in notifications (required)")
	fs.String("app-version", "", "application version or image reference (required)")
	fs.String("notification-message", "", "message shown in notifications (required)")
	fs.String("image-url", "", "image shown next to the notification")

	// Task / 任务
	fs.String("task-output-timeout", "", "kill the command after this long without output, in seconds or as a duration (unset disables)")
	fs.Bool("can-exit", false, "the command is allowed to exit")
	fs.Int("output-lines", config.DefaultOutputLines, "recent output lines included in notifications")
	fs.String("kill-grace-period", "", "wait between SIGTERM and SIGKILL (default 10s)")
	fs.Bool("no-passthrough", false, "do not echo the command's output")

	// Notify / 通知
	fs.String("slack-webhook", "", "Slack incoming webhook URL")

	// Reaper / 回收
	fs.String("reaper", config.ReaperModeAuto, "zombie reaping: auto, always or never (env HEALTH_CHECK_REAPER_MODE)")
	fs.Bool("subreaper", false, "register as child subreaper when not PID 1")

	// Health endpoints / 健康检查端点
	fs.String("grpc-health-addr", "", "listen address of the gRPC health service")
	fs.String("http-health-addr", "", "listen address of the HTTP probe routes")

	// Logging / 日志
	fs.String("log-level", config.DefaultLogLevel, "log level: debug, info, warn or error")
	fs.String("log-format", config.DefaultLogFormat, "log format: console or json")
	fs.String("log-file", "", "also write JSON logs to this rotated file")
}

// newRootCmd builds the command tree
// newRootCmd 构建命令树
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "health-check [flags] COMMAND [ARGS...]",
		Short: "health-check - Container entrypoint that supervises one command",
		Long: `health-check runs a command, watches its stdout and stderr, and reports failures to Slack.
health-check 运行一个命令，监视其 stdout 和 stderr，并将失败上报到 Slack。

The command is killed when it produces no output for --task-output-timeout.
命令在 --task-output-timeout 时间内无输出时会被终止。
Flags stop at the first positional argument, so the command keeps its own flags.
标志解析在第一个位置参数处停止，命令自身的标志会原样传递。`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runHealthCheck,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	registerFlags(rootCmd.PersistentFlags())
	rootCmd.Flags().SetInterspersed(false)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information / 打印版本信息",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "health-check\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	configCmd := &cobra.Command{
		Use:   "config [flags] [COMMAND [ARGS...]]",
		Short: "Print the effective configuration as YAML / 以 YAML 打印生效的配置",
		RunE:  runConfig,
	}
	configCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

// loadConfig loads and validates the configuration for cmd
// loadConfig 为 cmd 加载并验证配置
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile, cmd.Flags(), args)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// runConfig prints the redacted effective configuration
// runConfig 打印脱敏后的生效配置
func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if cfg == nil {
		return configError(err)
	}
	out, yamlErr := cfg.ToYAML()
	if yamlErr != nil {
		return configError(yamlErr)
	}
	if _, writeErr := cmd.OutOrStdout().Write(out); writeErr != nil {
		return writeErr
	}
	if err != nil {
		return configError(err)
	}
	return nil
}

// runHealthCheck is the main entry point of the supervisor
// runHealthCheck 是监督进程的主入口点
func runHealthCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return configError(err)
	}

	log, cleanup, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Output:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return configError(fmt.Errorf("failed to initialize logger: %w", err))
	}
	defer cleanup()

	log.Info("Starting health-check",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.Int("pid", os.Getpid()),
		zap.Stringer("config", cfg))

	sup, err := supervisor.New(supervisor.Options{
		Config: cfg,
		Logger: log,
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return configError(err)
	}

	outcome := sup.Run(cmd.Context())
	if outcome.ExitCode != 0 {
		return &exitError{code: outcome.ExitCode}
	}
	return nil
}

// execute runs the CLI and returns the process exit code
// execute 运行命令行并返回进程退出码
func execute(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exitErr.err)
		}
		return exitErr.code
	}
	// Flag and argument errors / 标志和参数错误
	fmt.Fprintf(stderr, "Error: %v\n", err)
	fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", rootCmd.Name())
	return supervisor.ExitCodeConfig
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
