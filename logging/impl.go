package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface for logging to.
type Logger interface {
	ZapCompatibleLogger

	SetLevel(level Level)
	GetLevel() Level
	Sublogger(subname string) Logger
	Name() string
	AsZap() *zap.SugaredLogger
}

// ZapCompatibleLogger is the subset of the sugared zap API the pipeline logs through.
type ZapCompatibleLogger interface {
	Desugar() *zap.Logger
	Level() zapcore.Level
	Named(name string) *zap.SugaredLogger
	Sync() error
	With(args ...interface{}) *zap.SugaredLogger
	WithOptions(opts ...zap.Option) *zap.SugaredLogger

	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

type impl struct {
	*zap.SugaredLogger
	name  string
	level zap.AtomicLevel
	core  zapcore.Core
}

func newImpl(name string, level zap.AtomicLevel, core zapcore.Core) *impl {
	// the level gate sits in front of the tee so SetLevel applies to every output
	gated, err := zapcore.NewIncreaseLevelCore(core, level)
	if err != nil {
		gated = core
	}
	sugared := zap.New(gated, zap.AddCaller()).Sugar()
	if name != "" {
		sugared = sugared.Named(name)
	}
	return &impl{SugaredLogger: sugared, name: name, level: level, core: core}
}

func (imp *impl) SetLevel(level Level) {
	imp.level.SetLevel(level.AsZap())
}

func (imp *impl) GetLevel() Level {
	return levelFromZap(imp.level.Level())
}

func (imp *impl) Level() zapcore.Level {
	return imp.level.Level()
}

func (imp *impl) Name() string {
	return imp.name
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	return newImpl(newName, zap.NewAtomicLevelAt(imp.level.Level()), imp.core)
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return imp.SugaredLogger
}
