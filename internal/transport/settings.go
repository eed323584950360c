package transport

// Settings holds the HTTP/2 SETTINGS values relevant to gRPC flow control and framing.
type Settings struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	HeaderTableSize      uint32
}

// DefaultSettings are the values this engine advertises to a peer and
// assumes of a peer that never sends its own SETTINGS: a concurrent-stream
// cap of 100 when a peer omits MAX_CONCURRENT_STREAMS.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		HeaderTableSize:      4096,
	}
}
