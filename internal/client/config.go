package client

import (
	"time"

	"github.com/DoyleJ11/diagram-collab/internal/transport"
)

type Config struct {
	// ServerURL is the sync socket, e.g. ws://host/ws.
	ServerURL string
	// StoreURL is the Project Store base URL, e.g. http://host.
	StoreURL string

	ProjectID   string
	Credential  string
	ShareToken  string
	DisplayName string

	CaptureInterval   time.Duration
	CursorInterval    time.Duration
	SaveDebounce      time.Duration
	BootstrapDelay    time.Duration
	HeartbeatInterval time.Duration

	Transport transport.Config
}

func DefaultConfig() Config {
	return Config{
		CaptureInterval:   200 * time.Millisecond,
		CursorInterval:    45 * time.Millisecond,
		SaveDebounce:      900 * time.Millisecond,
		BootstrapDelay:    1500 * time.Millisecond,
		HeartbeatInterval: 7 * time.Second,
		Transport:         transport.DefaultConfig(),
	}
}
