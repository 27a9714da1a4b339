package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0o664
)

// Logger is the logging sink injected into every component of the client.
// Arguments are alternating keys and values, as in log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type SlogHandler struct {
	logger *slog.Logger
}

var _ Logger = (*SlogHandler)(nil)

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

// Nop returns a logger that discards everything.
func Nop() *SlogHandler {
	return New(slog.NewTextHandler(io.Discard, nil))
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

// ZerologHandler adapts a zerolog.Logger to Logger.
type ZerologHandler struct {
	logger zerolog.Logger
}

var _ Logger = (*ZerologHandler)(nil)

func NewZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

func (handler *ZerologHandler) Error(msg string, args ...any) {
	handler.logger.Error().Fields(args).Msg(msg)
}

func (handler *ZerologHandler) Warn(msg string, args ...any) {
	handler.logger.Warn().Fields(args).Msg(msg)
}

func (handler *ZerologHandler) Info(msg string, args ...any) {
	handler.logger.Info().Fields(args).Msg(msg)
}

func (handler *ZerologHandler) Debug(msg string, args ...any) {
	handler.logger.Debug().Fields(args).Msg(msg)
}

// LogBuild builds a zerolog-backed Logger writing to a file or a writer.
type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

func NewBuild() *LogBuild {
	return &LogBuild{writer: os.Stdout, level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level parses a level name ("debug", "info", ...). Unknown names keep the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		build.level = lvl
	}
	return build
}

// Make returns the logger and, when a path was given, the opened file.
// The caller owns the file.
func (build *LogBuild) Make() (*ZerologHandler, *os.File, error) {
	writer := build.writer
	var file *os.File
	if build.path != "" {
		var err error
		file, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, nil, err
		}
		writer = zerolog.SyncWriter(file)
	}
	l := zerolog.New(writer).Level(build.level).With().Timestamp().Logger()
	return NewZerolog(l), file, nil
}
