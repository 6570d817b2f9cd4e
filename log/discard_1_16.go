// +build go1.16

package log

import (
	"io"
	stdL "log"

	"github.com/hermes-mq/hermes/internal/metadata"
)

// Discard returns a no-op handler that will discard all generated output.
func Discard() Logger {
	return &stdLogger{
		log:     stdL.New(io.Discard, "", 0),
		tags:    metadata.New(),
		fields:  metadata.New(),
		discard: true,
	}
}
