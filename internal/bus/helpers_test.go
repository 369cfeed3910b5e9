package bus

import (
	"io"
	"log/slog"
)

func testLoggerForBus() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
