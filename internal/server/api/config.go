package api

import "time"

// ServerConfig configures the control API.
type ServerConfig struct {
	Addr                 string        `help:"API server listen address; empty disables the API" default:":3242" env:"ME56PS2_API_ADDR"`
	RequireLocalHostAuth bool          `help:"Require the password handshake for loopback clients too" default:"false" env:"ME56PS2_API_REQUIRE_LOCALHOST_AUTH"`
	ConnectionTimeout    time.Duration `kong:"-"`
	Password             string        `kong:"-"`
}
