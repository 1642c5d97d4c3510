// Package mqtt exports Switchboard's event bus to an MQTT broker. Each
// bus event is published as JSON to <prefix>/events/<kind>, and a
// retained <prefix>/availability topic reads "online" while connected.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A will message
// flips availability to "offline" on an unexpected disconnect; Stop
// publishes it explicitly before disconnecting.
package mqtt
