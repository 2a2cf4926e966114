package config_test

import (
	"fmt"
	"log"

	"github.com/c360/cellmate/config"
)

// ExampleLoader_Load demonstrates loading configuration from multiple layers
// with validation.
func ExampleLoader_Load() {
	loader := config.NewLoader()
	loader.AddLayer("testdata/base.yaml")
	loader.AddLayer("testdata/production.yaml")
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(cfg.Client.Topic, cfg.Client.ReplyTimeout, cfg.Client.Workers)
	fmt.Println(cfg.Transport.NATS.URLs, cfg.Transport.NATS.JetStream)
	// Output:
	// scratch.ns/cellmate 10s 8
	// [nats://nats-1:4222 nats://nats-2:4222] true
}

// ExampleSafeConfig_Update demonstrates validated replacement of a shared config.
func ExampleSafeConfig_Update() {
	sc := config.NewSafeConfig(config.Default())

	next := config.Default()
	next.Transport.Kind = "carrier-pigeon"
	if err := sc.Update(next); err != nil {
		fmt.Println("rejected")
	}

	fmt.Println(sc.Get().Transport.Kind)
	// Output:
	// rejected
	// nats
}
