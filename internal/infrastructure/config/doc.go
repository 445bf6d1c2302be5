// Package config handles loading and validating the serial device daemon's
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with SERIALDEVICE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	path, explicit := config.ResolvePath(flagPath)
//	cfg, err := config.LoadOrDefault(path, explicit)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Serial.Namespace)
package config
