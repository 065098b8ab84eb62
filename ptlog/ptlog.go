// Package ptlog provides the logging facade used across the indexer.
//
// Long-lived components (the builder, the chunk cache, the merger) take a
// Logger at construction, mirroring how massifs injects a logger.Logger
// into LogDirCache and MassifCommitter.
package ptlog

import (
	"go.uber.org/zap"
)

// Logger is the narrow interface components depend on. It is satisfied by
// *zap.SugaredLogger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	With(args ...any) Logger
}

type sugared struct {
	*zap.SugaredLogger
}

func (s sugared) With(args ...any) Logger {
	return sugared{s.SugaredLogger.With(args...)}
}

// New builds a Logger backed by a production zap config, named svc.
func New(svc string) Logger {
	base, err := zap.NewProduction()
	if err != nil {
		base = zap.NewNop()
	}
	return sugared{base.Sugar().Named(svc)}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger {
	return sugared{zap.NewNop().Sugar()}
}
