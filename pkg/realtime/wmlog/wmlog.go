// Package wmlog bridges watermill's logger interface onto zerolog so the
// pub/sub transports share the process-wide logging setup.
package wmlog

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

type adapter struct {
	logger zerolog.Logger
}

// New returns a watermill LoggerAdapter writing through the given zerolog logger.
func New(logger zerolog.Logger) watermill.LoggerAdapter {
	return &adapter{logger: logger}
}

func (a *adapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.logger.Error().Err(err), msg, fields)
}

func (a *adapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.logger.Info(), msg, fields)
}

func (a *adapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), msg, fields)
}

func (a *adapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.logger.Trace(), msg, fields)
}

func (a *adapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &adapter{logger: ctx.Logger()}
}

func (a *adapter) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
