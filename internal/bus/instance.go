// Package bus adapts one car's Fleet Protocol session to an MQTT
// broker via Eclipse Paho v2's autopaho connection manager. It
// implements session.Transport (publishing Connect/Status-Response/
// Command/Disconnect frames) and feeds every inbound frame it decodes
// into that session's Event Queue, so a session.Controller never talks
// to paho directly.
package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID reads a persistent MQTT client id for one car
// from a file under dataDir, generating and storing a UUIDv7 the first
// time. A stable client id lets the broker recognize reconnects from
// the same car across process restarts instead of treating every
// restart as a brand new client.
func LoadOrCreateClientID(dataDir, carName string) (string, error) {
	path := filepath.Join(dataDir, carName+"_client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mqtt client id: %w", err)
	}

	idStr := id.String()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist mqtt client id to %s: %w", path, err)
	}

	return idStr, nil
}
