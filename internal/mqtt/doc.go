// Package mqtt publishes mcphub's server status to an MQTT broker as a
// Home Assistant device.
//
// The hub appears as one device with sensors for uptime, version, and
// running/failed server and tool counts. Every registered MCP server
// gets its own sensor whose state is "running" or "failed" and whose
// JSON attributes carry the full status (kind, tool count, error,
// health). Servers that disappear from the registry have their retained
// discovery and state messages cleared.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it republishes discovery configs and a birth message
// ("online") to the availability topic. A will message moves the
// availability topic to "offline" on unexpected disconnects.
package mqtt
