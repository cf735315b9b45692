package servicelog

import (
	"log"
	"net/url"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

// Attrib is a structured attribute attached to a log line
type Attrib = zap.Field

func String(name, value string) Attrib {
	return zap.String(name, value)
}

func Error(err error) Attrib {
	return zap.Error(err)
}

func Bool(name string, value bool) Attrib {
	return zap.Bool(name, value)
}

func Any(name string, value interface{}) Attrib {
	return zap.Any(name, value)
}

func Int(name string, value int) Attrib {
	return zap.Int(name, value)
}

func Time(name string, value time.Time) Attrib {
	return zap.Time(name, value)
}

func Duration(name string, value time.Duration) Attrib {
	return zap.Duration(name, value)
}

// Logger is the logging facade used by every package of the server.
type Logger interface {
	With(attrs ...Attrib) Logger
	Info(msg string, attrs ...Attrib)
	Error(msg string, attrs ...Attrib)
	Warn(msg string, attrs ...Attrib)
	Debug(msg string, attrs ...Attrib)
	Fatal(msg string, attrs ...Attrib)
}

type zapLogger struct {
	logger *zap.Logger
	debug  bool
}

// New builds a Logger writing to a rotating file through lumberjack.
// An empty logFile logs to the process stderr instead.
func New(logFile string, debug bool) Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	if logFile != "" {
		zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
			return lumberjackSink{
				Logger: &lumberjack.Logger{
					Filename:   u.Path,
					MaxSize:    100, // megabytes
					MaxBackups: 5,
				},
			}, nil
		})
		config.OutputPaths = []string{"lumberjack://" + logFile}
	}
	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return &zapLogger{logger: logger, debug: debug}
}

// Wrap an existing zap logger (used by tests)
func Wrap(logger *zap.Logger) Logger {
	return &zapLogger{logger: logger, debug: true}
}

func (l *zapLogger) With(attrs ...Attrib) Logger {
	if l == nil {
		return l
	}
	return &zapLogger{logger: l.logger.With(attrs...), debug: l.debug}
}

func (l *zapLogger) Info(msg string, attrs ...Attrib) {
	if l == nil {
		log.Println(msg)
		return
	}
	l.logger.Info(msg, attrs...)
}

func (l *zapLogger) Error(msg string, attrs ...Attrib) {
	if l == nil {
		log.Println(msg)
		return
	}
	l.logger.Error(msg, attrs...)
}

func (l *zapLogger) Warn(msg string, attrs ...Attrib) {
	if l == nil {
		log.Println(msg)
		return
	}
	l.logger.Warn(msg, attrs...)
}

func (l *zapLogger) Debug(msg string, attrs ...Attrib) {
	if l == nil || !l.debug {
		return
	}
	l.logger.Debug(msg, attrs...)
}

func (l *zapLogger) Fatal(msg string, attrs ...Attrib) {
	if l == nil {
		log.Fatal(msg)
		return
	}
	l.logger.Fatal(msg, attrs...)
}

// Sync flushes any buffered log entries
func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}
