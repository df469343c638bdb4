// Package mqtt mirrors turn outcomes onto an MQTT broker so home
// automation and dashboards can follow what the agent is doing. It
// listens on the event bus and publishes a JSON record for every
// finished or failed turn, a retained per-thread status, and a daily
// token counter. A retained availability topic flips to "offline" via
// the will message when the process goes away.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects on its own; availability is re-announced on every connect.
package mqtt
