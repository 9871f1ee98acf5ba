// Package logger prints what a sync does, in the style of the aws s3 cli, and
// builds the structured zap logger used for diagnostics.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger reports the side effects of applying actions.
type Logger interface {
	Upload(localPath, remotePath string)
	Download(remotePath, localPath string)
	Delete(target string)
	Mkdir(target string)
	Track(path, note string)
	Error(operation, path string, err error)
}

// SyncLogger writes one line per operation.
type SyncLogger struct {
	IsDryRun bool
	IsQuiet  bool

	// Out defaults to stdout and ErrOut to stderr.
	Out    io.Writer
	ErrOut io.Writer

	// Zap receives a structured copy of every line when set.
	Zap *zap.Logger

	mu sync.Mutex
}

var _ Logger = (*SyncLogger)(nil)

func (l *SyncLogger) prefix() string {
	if l.IsDryRun {
		return "(dryrun) "
	}
	return ""
}

func (l *SyncLogger) printf(format string, args ...interface{}) {
	if l.IsQuiet {
		return
	}
	out := l.Out
	if out == nil {
		out = os.Stdout
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(out, l.prefix()+format+"\n", args...)
}

func (l *SyncLogger) structured() *zap.Logger {
	if l.Zap == nil {
		return zap.NewNop()
	}
	return l.Zap
}

func (l *SyncLogger) Upload(localPath, remotePath string) {
	l.printf("upload: %s to %s", localPath, remotePath)
	l.structured().Debug("upload", zap.String("src", localPath), zap.String("dst", remotePath), zap.Bool("dryrun", l.IsDryRun))
}

func (l *SyncLogger) Download(remotePath, localPath string) {
	l.printf("download: %s to %s", remotePath, localPath)
	l.structured().Debug("download", zap.String("src", remotePath), zap.String("dst", localPath), zap.Bool("dryrun", l.IsDryRun))
}

func (l *SyncLogger) Delete(target string) {
	l.printf("delete: %s", target)
	l.structured().Debug("delete", zap.String("target", target), zap.Bool("dryrun", l.IsDryRun))
}

func (l *SyncLogger) Mkdir(target string) {
	l.printf("mkdir: %s", target)
	l.structured().Debug("mkdir", zap.String("target", target), zap.Bool("dryrun", l.IsDryRun))
}

// Track reports a saved state change that transfers nothing.
func (l *SyncLogger) Track(path, note string) {
	l.printf("%s: %s", note, path)
	l.structured().Debug(note, zap.String("path", path), zap.Bool("dryrun", l.IsDryRun))
}

// Error is printed even in quiet mode.
func (l *SyncLogger) Error(operation, path string, err error) {
	out := l.ErrOut
	if out == nil {
		out = os.Stderr
	}

	l.mu.Lock()
	fmt.Fprintf(out, "%s failed: %s: %v\n", operation, path, err)
	l.mu.Unlock()

	l.structured().Error("operation failed", zap.String("operation", operation), zap.String("path", path), zap.Error(err))
}

// NullLogger discards everything.
type NullLogger struct{}

func (NullLogger) Upload(localPath, remotePath string)     {}
func (NullLogger) Download(remotePath, localPath string)   {}
func (NullLogger) Delete(target string)                    {}
func (NullLogger) Mkdir(target string)                     {}
func (NullLogger) Track(path, note string)                 {}
func (NullLogger) Error(operation, path string, err error) {}

// Config selects the structured logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// New builds a zap logger writing to stderr. An unknown level falls back to
// info.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}
