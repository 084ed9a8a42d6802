package core

// Common Configuration
const (

	// name of the application | lake-persistence
	PropAppName = "app.name"

	// log level | info
	PropLoggingLevel = "logging.level"

	// rolling log file, logs are written to stdout if it's empty
	PropLoggingRollingFile = "logging.rolling.file"

	// max size of each log file in mb | 50
	PropLoggingRollingFileMaxSize = "logging.file.max-size"

	// max age of log files in days, 0 means no limit | 0
	PropLoggingRollingFileMaxAge = "logging.file.max-age"

	// max number of backup log files, 0 means no limit | 0
	PropLoggingRollingFileMaxBackups = "logging.file.max-backups"

	// time wait (in second) for shutdown hooks to finish | 10
	PropGracefulShutdownTimeSec = "app.graceful-shutdown-time-sec"
)

func init() {
	SetDefProp(PropAppName, "lake-persistence")
	SetDefProp(PropLoggingLevel, "info")
	SetDefProp(PropLoggingRollingFileMaxSize, 50)
	SetDefProp(PropLoggingRollingFileMaxAge, 0)
	SetDefProp(PropLoggingRollingFileMaxBackups, 0)
	SetDefProp(PropGracefulShutdownTimeSec, 10)
}
