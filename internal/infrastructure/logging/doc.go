// Package logging configures log/slog for the Lutron bridge service.
//
// Every entry carries service and version attributes. Output goes to
// stdout, stderr or nowhere, optionally teed into a lumberjack rotating
// file. The level lives in a shared slog.LevelVar so a reload of
// lutron.yaml can change it without rebuilding loggers.
//
//	logging:
//	  level: info        # debug, info, warn, error
//	  format: json       # json, text
//	  output: stdout     # stdout, stderr, none
//	  file:
//	    path: /var/log/graylogic/lutron.log
//	    max_size: 50     # MB
//	    max_backups: 5
//	    max_age: 28      # days
//
// Never log the integration password, MQTT credentials or tokens.
package logging
