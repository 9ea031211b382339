package bundle

import (
	"io"
	"log/slog"
)

// discardLogger is the default logger for Write/Read when the caller
// supplies none — the core stays silent by default, matching the
// teacher's inject-a-logger-don't-use-a-global style.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
