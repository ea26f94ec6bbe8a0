// Package mqtt provides MQTT client connectivity to Xiaomi gateway brokers.
//
// This package manages:
//   - Connection to a gateway's embedded broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Connection health monitoring
//
// # Architecture
//
// Xiaomi multimode gateways expose an embedded Mosquitto broker on the LAN.
// The gateway device runtime opens one Client per gateway and speaks MiIO
// RPC over miio/command and miio/command_ack, while child device reports and
// BLE advertisements arrive on central/report.
//
//	Homeport ↔ gateway broker ↔ Zigbee/BLE children
//
// # Security Considerations
//
//   - Gateway brokers are plain TCP with no authentication; exposure beyond
//     the LAN segment is the operator's responsibility
//   - Message payloads are unencrypted MiIO JSON
//
// # Usage
//
//	client, err := mqtt.Connect(mqtt.Config{Host: gw.IP, Port: 1883, ClientID: "homeport-gw1"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Watch RPC results and unsolicited reports
//	err = client.Subscribe(mqtt.Topics{}.CommandAck(), 0, handleAck)
//	err = client.Subscribe(mqtt.Topics{}.CentralReport(), 0, handleReport)
//
//	// Send an RPC request
//	client.PublishDefault(mqtt.Topics{}.Command(), body)
package mqtt
