// Package utils
package utils

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// GetLogger returns the process-wide logger. Until ConfigureLogger is called
// it writes text logs at info level to stdout.
func GetLogger() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return logger
}

// ConfigureLogger sets the level and, when file is not empty, mirrors the
// output into that file.
func ConfigureLogger(level, file string) error {
	l := GetLogger()

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	l.SetLevel(lvl)

	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return nil
}
