// Package mqtt provides the optional MQTT connection of CloudControl Core.
//
// Device hosts announce attached handsets over MQTT and Core publishes its
// status and session statistics there:
//
//	device host ──announce/offline──▶ broker ──▶ Core (device discovery)
//	Core ──status, session stats (retained)──▶ broker ──▶ dashboards
//
// The client tracks subscriptions and restores them after reconnects,
// recovers panics in handlers, and sets a Last Will so subscribers see Core
// go offline when it crashes.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceAnnouncements(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := mqtt.DeviceIDFromTopic(topic)
//	        log.Printf("device %s announced", id)
//	        return nil
//	    })
package mqtt
