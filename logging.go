package backplane

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func hubLogger(base zerolog.Logger, hubName, serverName string) zerolog.Logger {
	return base.With().
		Str("component", "backplane").
		Str("hub", hubName).
		Str("server", serverName).
		Logger()
}

// generateServerName returns "<hostname>_<uuid>": readable in logs, unique
// across restarts.
func generateServerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "backplane"
	}
	return host + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
