// Package gateway runs the websocket fan-out server. Clients subscribe to
// machine rooms and receive processed telemetry, control-limit updates and
// alerts for exactly the devices they asked for. The gateway holds one
// durable bus subscription per processed-event channel for the process
// lifetime and re-broadcasts into the matching room only.
package gateway
