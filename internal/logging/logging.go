// Package logging configures the structured logger shared across the
// server, replication manager, and handshake driver.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a text-formatted logrus logger writing to stderr, the same
// destination the teacher repo's stdlib log.Printf calls target.
func New() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	l.SetLevel(logrus.InfoLevel)
	return l
}
