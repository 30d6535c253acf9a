package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. Components receive it as a
// logrus.FieldLogger; nothing logs through the package-level logger.
func NewLogger(c LogConfig, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stdout
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	logg := logrus.New()
	logg.SetOutput(out)
	logg.SetLevel(level)
	if c.Format == "text" {
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logg.SetFormatter(&logrus.JSONFormatter{})
	}
	return logg, nil
}
