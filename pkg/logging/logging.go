// Package logging builds the zap loggers used by every node role.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger tagged with the node role. Logs go to stderr unless
// file is set, in which case they go to a rotating file. The returned closer
// releases the file.
func New(role, file string, debug bool) (*zap.Logger, io.Closer, error) {
	var (
		ws     zapcore.WriteSyncer
		closer io.Closer = nopCloser{}
	)
	if file == "" {
		ws = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "create log directory")
		}
		rot := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes per file before rotation
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		ws = zapcore.AddSync(rot)
		closer = rot
	}
	return NewWithWriter(role, ws, debug), closer, nil
}

// NewWithWriter returns a logger writing console-encoded entries to ws.
func NewWithWriter(role string, ws zapcore.WriteSyncer, debug bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	level := zap.InfoLevel
	if debug {
		encCfg = zap.NewDevelopmentEncoderConfig()
		level = zap.DebugLevel
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	enc := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewCore(enc, ws, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("role", role)))
}
