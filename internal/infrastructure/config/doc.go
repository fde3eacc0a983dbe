// Package config loads lutron.yaml for the Lutron bridge service.
//
// Values come from built-in defaults, then the YAML file, then GRAYLOGIC_*
// environment variables, and the result is validated as a whole so every
// problem is reported at once. Keep the integration password and MQTT
// credentials in the environment and the file at mode 0600.
//
// Watch follows the file with fsnotify and hands each valid reload to a
// callback; the service applies the bridge address and log level live.
//
//	cfg, err := config.Load("configs/lutron.yaml")
//	if err != nil {
//	    return err
//	}
package config
