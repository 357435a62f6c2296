package iotask

import "time"

// Options configures a Task's connection and liveness behavior. The zero
// value is not usable; start from DefaultOptions.
type Options struct {
	// URL is the TLS endpoint, e.g. "live.example.com:5035". A missing port
	// defaults to 5035.
	URL string

	ServerKeepAlive   time.Duration
	ClientKeepAlive   time.Duration
	MaxPacketLen      uint32
	IOTimeout         time.Duration
	ConnectTimeout    time.Duration
	AutomaticConnect  bool
	ConnectRetryDelay time.Duration
}

// DefaultOptions returns the documented defaults; callers override only the
// fields they care about.
func DefaultOptions() Options {
	return Options{
		ServerKeepAlive:   30 * time.Second,
		ClientKeepAlive:   10 * time.Second,
		MaxPacketLen:      1 << 20,
		IOTimeout:         5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		AutomaticConnect:  true,
		ConnectRetryDelay: 5 * time.Second,
	}
}
