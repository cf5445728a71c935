// Package telepathy is the public facade of the peer-to-peer voice-call and
// text-chat engine: session management, the call handshake, the audio
// pipeline, and the room controller, wired behind one Engine type. Device
// capture/playback, the overlay transport's own wire format, the denoise
// model, and UI glue remain external collaborators reached only through the
// narrow interfaces this package and internal/audio define.
package telepathy
