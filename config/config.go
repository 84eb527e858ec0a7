// This package defines a common config struct which can be used by any subsystem within wisp.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// key exchange
	KeyCacheTTLMs       int64
	LookupTimeoutMs     int64
	KeyResolveAttempts  int
	KeyResolveBackoffMs int64

	// delivery
	RecencyWindowMs int64
	ProcessedTTLMs  int64
	ProcessedCap    int
	RetryAttempts   int
	RetryDelayMs    int64

	// group creation
	WrapTimeoutMs int64

	// general store operations
	RequestTimeoutMs int64

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithKeyCacheTTLMs(n int64) Option {
	return func(c *Config) {
		c.KeyCacheTTLMs = n
	}
}

func WithLookupTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.LookupTimeoutMs = n
	}
}

func WithKeyResolveAttempts(n int) Option {
	return func(c *Config) {
		c.KeyResolveAttempts = n
	}
}

func WithKeyResolveBackoffMs(n int64) Option {
	return func(c *Config) {
		c.KeyResolveBackoffMs = n
	}
}

func WithRecencyWindowMs(n int64) Option {
	return func(c *Config) {
		c.RecencyWindowMs = n
	}
}

func WithProcessedTTLMs(n int64) Option {
	return func(c *Config) {
		c.ProcessedTTLMs = n
	}
}

func WithProcessedCap(n int) Option {
	return func(c *Config) {
		c.ProcessedCap = n
	}
}

func WithRetryAttempts(n int) Option {
	return func(c *Config) {
		c.RetryAttempts = n
	}
}

func WithRetryDelayMs(n int64) Option {
	return func(c *Config) {
		c.RetryDelayMs = n
	}
}

func WithWrapTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.WrapTimeoutMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:               os.Getenv("DEBUG") == "1",
		RootDir:             ".",
		LoggingPrefix:       "",
		KeyCacheTTLMs:       300000,
		LookupTimeoutMs:     1000,
		KeyResolveAttempts:  3,
		KeyResolveBackoffMs: 250,
		RecencyWindowMs:     5000,
		ProcessedTTLMs:      600000,
		ProcessedCap:        4096,
		RetryAttempts:       3,
		RetryDelayMs:        2000,
		WrapTimeoutMs:       3000,
		RequestTimeoutMs:    5000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
