package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitMaxProcs aligns GOMAXPROCS with the container CPU quota so the worker
// pool sizing matches what the scheduler will actually grant under cgroup
// limits. Call it at the start of main; the returned function restores the
// original value.
func InitMaxProcs(logger *zap.Logger) func() {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Sugar().Infof(format, args...)
	}))
	if err != nil {
		logger.Warn("Failed to set GOMAXPROCS from CPU quota", zap.Error(err))
		return func() {}
	}

	logger.Info("GOMAXPROCS initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}
