// Package app provides the application layer.
//
// The Orchestrator keeps one game session running per active session record,
// routes presses from HTTP, the live socket and Twitch chat into them, and hands
// every dispatched hardware input to the actuator and the input store. It depends
// on domain interfaces only; adapters are wired in cmd/server.
package app
