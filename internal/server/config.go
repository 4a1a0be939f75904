package server

import "time"

// Config holds the settings a server instance is started with.
type Config struct {
	Host string
	Port int

	ReadBufferSize int
	ReadTimeout    time.Duration

	// Replication configuration. Role is either RoleMaster or RoleSlave; the
	// Master* fields are only meaningful when Role is RoleSlave.
	Role       string
	MasterHost string
	MasterPort int

	HandshakeDialTimeout time.Duration
}

// DefaultConfig returns the settings used when no flags override them.
func DefaultConfig() *Config {
	return &Config{
		Host:                 "0.0.0.0",
		Port:                 6379,
		ReadBufferSize:       4096,
		ReadTimeout:          0,
		Role:                 "master",
		HandshakeDialTimeout: 5 * time.Second,
	}
}
