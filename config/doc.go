// Package config provides configuration management for cellmate binaries.
//
// Configuration is layered: built-in defaults, then any number of YAML or
// JSON files merged key by key, then CELLMATE_* environment overrides.
// Durations in files are Go duration strings ("30s", "250ms").
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.yaml") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Overrides
//
//	CELLMATE_TRANSPORT_KIND   nats | mqtt | memory
//	CELLMATE_TRANSPORT_CODEC  cbor | msgpack
//	CELLMATE_NATS_URLS        comma separated server list
//	CELLMATE_NATS_TOKEN       NATS auth token
//	CELLMATE_MQTT_BROKER      MQTT broker URL
//	CELLMATE_CLIENT_TOPIC     request topic for the publisher
//	CELLMATE_REPLY_TIMEOUT    duration string or milliseconds
//
// # Thread-Safe Access
//
// SafeConfig hands out deep copies and validates every replacement:
//
//	sc := config.NewSafeConfig(cfg)
//	current := sc.Get()
package config
