package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New returns a JSON production logger, or the console development logger
// for dev/test environments.
func New(appEnv string, fields ...zap.Field) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	switch strings.ToLower(appEnv) {
	case "dev", "development", "test", "local":
		log, err = zap.NewDevelopment()
	default:
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return log.With(fields...), nil
}

// OrNop guards constructors against a nil logger.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
