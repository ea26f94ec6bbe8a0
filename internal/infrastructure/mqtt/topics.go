package mqtt

import "fmt"

// Topic names on the Xiaomi multimode gateway's embedded broker.
//
// The gateway speaks the MiIO RPC dialect over three well-known topics plus
// per-subsystem report streams for Zigbee and BLE children.
const (
	// TopicCommand carries MiIO RPC requests to the gateway.
	TopicCommand = "miio/command"

	// TopicCommandAck carries MiIO RPC results, correlated by request id.
	TopicCommandAck = "miio/command_ack"

	// TopicCentralReport carries unsolicited reports: child device property
	// changes, BLE advertisement events, heartbeats.
	TopicCentralReport = "central/report"
)

// Topics provides builders for gateway broker topics. Using these helpers
// keeps topic naming consistent across the device runtimes.
type Topics struct{}

// Command returns the MiIO RPC request topic.
func (Topics) Command() string {
	return TopicCommand
}

// CommandAck returns the MiIO RPC result topic.
func (Topics) CommandAck() string {
	return TopicCommandAck
}

// CentralReport returns the unsolicited report stream topic.
func (Topics) CentralReport() string {
	return TopicCentralReport
}

// ZigbeeRecv returns the raw Zigbee frame topic for a gateway, used only by
// diagnostics tooling.
//
// Example: gw/AA:BB:CC:DD:EE:FF/MessageReceived
func (Topics) ZigbeeRecv(gatewayMAC string) string {
	return fmt.Sprintf("gw/%s/MessageReceived", gatewayMAC)
}

// All returns a pattern matching every topic on the gateway broker.
// Use with caution - this receives ALL traffic, raw Zigbee frames included.
func (Topics) All() string {
	return "#"
}
