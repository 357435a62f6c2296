package session

import (
	"fmt"
	"time"

	"gwsession/connection"
	"gwsession/credentials"
	"gwsession/gwerrors"
	"gwsession/iotask"
)

// Builder is a fluent configuration surface for a Session. Mirrors
// builder.rs's ClientBuilder: every I/O option defaults per
// iotask.DefaultOptions, and Build fails if URL or either credential set
// was never supplied. There is no TLS-config knob — iotask always uses
// the system trust store (see iotask/connect.go).
type Builder struct {
	opts iotask.Options
	app  *credentials.ApplicationCredentials
	acct *credentials.AccountCredentials
}

// NewBuilder starts a Builder pre-loaded with the documented option
// defaults.
func NewBuilder() *Builder {
	return &Builder{opts: iotask.DefaultOptions()}
}

func (b *Builder) SetURL(url string) *Builder {
	b.opts.URL = url
	return b
}

func (b *Builder) SetServerKeepAlive(d time.Duration) *Builder {
	b.opts.ServerKeepAlive = d
	return b
}

func (b *Builder) SetClientKeepAlive(d time.Duration) *Builder {
	b.opts.ClientKeepAlive = d
	return b
}

func (b *Builder) SetMaxPacketLen(n uint32) *Builder {
	b.opts.MaxPacketLen = n
	return b
}

func (b *Builder) SetIOTimeout(d time.Duration) *Builder {
	b.opts.IOTimeout = d
	return b
}

func (b *Builder) SetConnectTimeout(d time.Duration) *Builder {
	b.opts.ConnectTimeout = d
	return b
}

func (b *Builder) SetAutomaticConnect(v bool) *Builder {
	b.opts.AutomaticConnect = v
	return b
}

func (b *Builder) SetConnectRetryDelay(d time.Duration) *Builder {
	b.opts.ConnectRetryDelay = d
	return b
}

func (b *Builder) SetApplicationCredentials(c credentials.ApplicationCredentials) *Builder {
	b.app = &c
	return b
}

func (b *Builder) SetAccountCredentials(c credentials.AccountCredentials) *Builder {
	b.acct = &c
	return b
}

// Build validates the accumulated configuration and constructs a Session.
// The Session holds no socket until its own Connect is called.
func (b *Builder) Build() (*Session, error) {
	if b.opts.URL == "" {
		return nil, fmt.Errorf("%w: you must set a url for the client", gwerrors.Configuration)
	}
	if b.app == nil {
		return nil, fmt.Errorf("%w: you must set application credentials for the client", gwerrors.Configuration)
	}
	if b.acct == nil {
		return nil, fmt.Errorf("%w: you must set account credentials for the client", gwerrors.Configuration)
	}
	return newSession(*b.app, *b.acct, b.opts, connection.New(b.opts)), nil
}
