// Package mqtt connects the Lutron bridge service to the Gray Logic MQTT
// bus using paho.mqtt.golang.
//
// paho handles reconnection with the configured backoff. On top of that the
// client replays its subscriptions on every connect (sessions are clean),
// keeps a retained online/offline record on graylogic/system/status/{id},
// and validates topics and filters before they reach the broker.
//
// The broker publishes the will when the process dies without closing.
// By default the will marks the service status offline; WithWill points it
// elsewhere, which the bridge uses to flip graylogic/health/lutron.
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(lutron.HealthTopic(), lwt))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/lutron/#", 1, handle)
//
// Use TLS (cfg.Broker.TLS) outside a lab network.
package mqtt
