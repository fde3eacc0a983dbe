// Package lutron connects Gray Logic to a Lutron lighting bridge over its
// telnet integration interface.
//
// The bridge accepts a single line-oriented session on TCP port 23. After a
// fixed login/password handshake it reports device activity as lines such as
//
//	~OUTPUT,5,1,100.00\r\n
//	~DEVICE,10,2,3\r\n
//
// and accepts commands in the same style (#OUTPUT,5,1,75). The second
// comma-separated field of every report is the integration ID of the device.
//
// # Architecture
//
// The package is split into small pieces that compose into a [Client]:
//
//   - [Transport] / [TelnetDialer]: the raw byte stream to the bridge
//   - [Framer]: reassembles reads into prompts and ~...\r\n frames
//   - [ProtocolHandler]: the AWAITING_LOGIN → AWAITING_PASSWORD → READY
//     handshake and DeviceEvent extraction
//   - [Session]: single-owner actor for the live Transport
//   - [Watchdog] / [Backoff]: liveness checks, keep-alive probes and
//     reconnection with exponential backoff
//
// [Bridge] is the host collaborator: it publishes DeviceEvents to MQTT and
// feeds MQTT commands back into [Client.ProcessAction].
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Inbound data is
// processed by a single consumer goroutine, so DeviceEvents are delivered in
// the order the bridge sent them.
package lutron
