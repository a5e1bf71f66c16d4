package ocppnet

import (
	"crypto/tls"
	"net/http"
	"time"
)

// DialOptions configure DialWebSocket.
type DialOptions struct {
	// HTTP Basic credentials (OCPP security profile 1/2).
	Username string
	Password string

	// Mode is sent as X-OCPP-NetworkingMode; the server's echo wins.
	Mode NetworkingMode

	// UpstreamID is recorded as the connection's node id, i.e. the implicit
	// last hop of frames received from the upstream. May be zero.
	UpstreamID NodeID

	Subprotocols     []string
	HandshakeTimeout time.Duration
	MaxBinaryPayload int
	Header           http.Header
	TLSConfig        *tls.Config
}

type DialOption func(*DialOptions)

func defaultDialOptions() DialOptions {
	return DialOptions{
		Subprotocols:     []string{SubprotocolOCPP21, SubprotocolOCPP201},
		HandshakeTimeout: wsHandshakeTimeout,
		MaxBinaryPayload: DefaultMaxBinaryPayload,
	}
}

func WithBasicAuth(username, password string) DialOption {
	return func(o *DialOptions) {
		o.Username = username
		o.Password = password
	}
}

func WithNetworkingMode(mode NetworkingMode) DialOption {
	return func(o *DialOptions) {
		o.Mode = mode
	}
}

func WithUpstreamID(id NodeID) DialOption {
	return func(o *DialOptions) {
		o.UpstreamID = id
	}
}

// WithDialSubprotocols replaces the offered subprotocols, in preference order.
func WithDialSubprotocols(p ...string) DialOption {
	return func(o *DialOptions) {
		o.Subprotocols = p
	}
}

func WithDialHeader(h http.Header) DialOption {
	return func(o *DialOptions) {
		o.Header = h
	}
}

func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(o *DialOptions) {
		o.TLSConfig = cfg
	}
}

func WithDialMaxBinaryPayload(n int) DialOption {
	return func(o *DialOptions) {
		o.MaxBinaryPayload = n
	}
}
