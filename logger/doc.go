// Package logger provides structured logging capabilities.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("pool ready", zap.Int("size", 5))
package logger
