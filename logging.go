package wafproxy

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const redactedValue = "REDACTED"

// LoggingConfig selects level, encoding and an optional rotated log file.
type LoggingConfig struct {
	LogSeverity         string `yaml:"level" json:"level"`
	LogJSON             bool   `yaml:"json" json:"json"`
	LogFilePath         string `yaml:"file" json:"file"`
	MaxSizeMB           int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups          int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays          int    `yaml:"max_age_days" json:"max_age_days"`
	Compress            bool   `yaml:"compress" json:"compress"`
	RedactSensitiveData bool   `yaml:"redact_sensitive_data" json:"redact_sensitive_data"`
}

func (c *LoggingConfig) setDefaults() {
	if c.LogSeverity == "" {
		c.LogSeverity = "info"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 3
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 28
	}
}

func (c LoggingConfig) validate() error {
	if _, err := zapcore.ParseLevel(c.LogSeverity); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// IsDebug reports whether debug tracing is on.
func (c LoggingConfig) IsDebug() bool {
	return strings.EqualFold(c.LogSeverity, "debug")
}

// NewLogger builds a zap logger writing to stderr and, when configured, to a
// rotated file.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	cfg.setDefaults()
	level, err := zapcore.ParseLevel(cfg.LogSeverity)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogSeverity, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var consoleEnc zapcore.Encoder
	if cfg.LogJSON {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}
	if cfg.LogFilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		// Files are always JSON.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// requestFields are the fields logged for every verdict.
func requestFields(r *http.Request, requestID string, redact bool) []zap.Field {
	query := r.URL.RawQuery
	if redact {
		query = redactQuery(query)
	}
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("method", r.Method),
		zap.String("host", r.Host),
		zap.String("path", r.URL.Path),
		zap.String("query", query),
		zap.String("user_agent", r.UserAgent()),
	}
	if c := r.Header.Get("Cookie"); c != "" {
		if redact {
			c = redactCookies(c)
		}
		fields = append(fields, zap.String("cookie", c))
	}
	return fields
}

// redactQuery keeps parameter names and masks values.
func redactQuery(raw string) string {
	if raw == "" {
		return raw
	}
	parts := strings.Split(raw, "&")
	for i, p := range parts {
		name, _, _ := strings.Cut(p, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		parts[i] = url.QueryEscape(name) + "=" + redactedValue
	}
	return strings.Join(parts, "&")
}

// redactCookies keeps cookie names and masks values.
func redactCookies(raw string) string {
	parts := strings.Split(raw, ";")
	for i, p := range parts {
		name, _, _ := strings.Cut(strings.TrimSpace(p), "=")
		parts[i] = name + "=" + redactedValue
	}
	return strings.Join(parts, "; ")
}
