package pgmq

// Logger is anything with a Printf method, such as *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// LevelLogger is a leveled logger. Connections log retries at Warn,
// background consumer failures at Error and consumer lifecycle at Debug.
type LevelLogger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NoopLogger discards everything. It is the default when neither WithLogger
// nor WithLevelLogger is given.
type NoopLogger struct{}

func (NoopLogger) Debugf(string, ...any) {}
func (NoopLogger) Infof(string, ...any)  {}
func (NoopLogger) Warnf(string, ...any)  {}
func (NoopLogger) Errorf(string, ...any) {}
func (NoopLogger) Printf(string, ...any) {}

// levelLogAdapter prefixes each line with its level.
type levelLogAdapter struct {
	logger Logger
}

func (l levelLogAdapter) Debugf(format string, args ...any) {
	l.logger.Printf("DEBUG: pgmq: "+format, args...)
}

func (l levelLogAdapter) Infof(format string, args ...any) {
	l.logger.Printf("INFO: pgmq: "+format, args...)
}

func (l levelLogAdapter) Warnf(format string, args ...any) {
	l.logger.Printf("WARN: pgmq: "+format, args...)
}

func (l levelLogAdapter) Errorf(format string, args ...any) {
	l.logger.Printf("ERROR: pgmq: "+format, args...)
}
