// Package logging configures the process-wide zerolog logger used by every
// meshnode component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a component logger prefixed with nodeID and component, mirroring
// the node-id-prefixed log lines gocuria's networking package writes with
// log.Printf, but structured.
func New(nodeID, component string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		With().
		Timestamp().
		Str("node", nodeID).
		Str("component", component).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
