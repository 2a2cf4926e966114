package natsclient

import "time"

// WithFastStartup configures NATS for fastest possible startup (good for unit tests)
func WithFastStartup() TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = 2 * time.Second
		cfg.startTimeout = 10 * time.Second
	}
}

// WithIntegrationDefaults configures NATS with settings good for integration tests
func WithIntegrationDefaults() TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = 5 * time.Second
		cfg.startTimeout = 30 * time.Second
		cfg.jetstream = true
	}
}

// WithPermissions starts the server with two users: "cellmate" may do
// anything, "restricted" may not subscribe to subjects under deniedPrefix.
// Both use password "secret"; the test client connects as "cellmate".
func WithPermissions(deniedPrefix string) TestOption {
	conf := WithServerConfig(`authorization {
  users = [
    { user: "cellmate", password: "secret" }
    { user: "restricted", password: "secret", permissions: { subscribe: { deny: ["` + deniedPrefix + `.>"] } } }
  ]
}
`)
	return func(cfg *testConfig) {
		conf(cfg)
		cfg.clientOptions = append(cfg.clientOptions, WithCredentials("cellmate", "secret"))
	}
}
