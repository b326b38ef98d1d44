package auth

import (
	"log/slog"

	"github.com/jimdaga/postflow/internal/logging"
)

func testLogger() *slog.Logger {
	return logging.Discard()
}
