package engine

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/1ureka/meet/internal/util"
)

// loggerFactory routes pion's internal logs into the shared pterm logger.
// pion info messages are demoted to debug; trace is discarded.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct{ scope string }

func (l pionLogger) Trace(string)          {}
func (l pionLogger) Tracef(string, ...any) {}

func (l pionLogger) Debug(msg string) { l.Debugf("%s", msg) }
func (l pionLogger) Info(msg string)  { l.Infof("%s", msg) }
func (l pionLogger) Warn(msg string)  { l.Warnf("%s", msg) }
func (l pionLogger) Error(msg string) { l.Errorf("%s", msg) }

func (l pionLogger) Debugf(format string, args ...any) {
	if util.DebugEnabled() {
		util.LogDebug("[pion/%s] %s", l.scope, fmt.Sprintf(format, args...))
	}
}

func (l pionLogger) Infof(format string, args ...any) { l.Debugf(format, args...) }

func (l pionLogger) Warnf(format string, args ...any) {
	util.LogWarning("[pion/%s] %s", l.scope, fmt.Sprintf(format, args...))
}

func (l pionLogger) Errorf(format string, args ...any) {
	util.LogError("[pion/%s] %s", l.scope, fmt.Sprintf(format, args...))
}
