// Package config handles loading and validating the MIG gateway configuration.
//
// Values are resolved in three layers: hardcoded defaults, the YAML file, then
// GRAYLOGIC_* environment variables. Secrets (MQTT password, InfluxDB token,
// JWT secret) should come from the environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Interfaces.X10.Port)
package config
