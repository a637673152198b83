// Package server implements the network surfaces of the service. The HTTP
// API serves the conversation to the UI over REST and WebSocket, accepts
// WebRTC offers for the remote call and provides health, statistics and
// Prometheus endpoints. The UDP server ingests microphone audio from local
// capture devices.
package server
