// Package config handles loading and validating the bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Cloud credentials (client secret, subscription key) should be set via
//     environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.BaseTopic)
package config
