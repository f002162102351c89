package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logging through zerolog.
type loggerFactory struct {
	level zerolog.Level
}

func NewLoggerFactory(level zerolog.Level) logging.LoggerFactory {
	return loggerFactory{level: level}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{
		log: log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.level),
	}
}

type pionLogger struct {
	log zerolog.Logger
}

func (p *pionLogger) Trace(msg string)                          { p.log.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.log.Trace().Msgf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.log.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.log.Debug().Msgf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.log.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.log.Info().Msgf(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.log.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.log.Warn().Msgf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.log.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.log.Error().Msgf(format, args...) }
