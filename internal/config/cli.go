// Package config holds the root command line definition.
package config

import "github.com/me56ps2/me56ps2/internal/cmd"

// CLI is the root kong command tree.
type CLI struct {
	Config string `help:"Path to a JSON, YAML or TOML configuration file" env:"ME56PS2_CONFIG" type:"path"`

	Log struct {
		Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"ME56PS2_LOG_LEVEL"`
		File    string `help:"Write logs to this file as well" env:"ME56PS2_LOG_FILE"`
		RawFile string `help:"Write raw bulk traffic to this file" env:"ME56PS2_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`

	Serve     cmd.Serve         `cmd:"" help:"Run the modem emulator" default:"withargs"`
	Models    cmd.Models        `cmd:"" help:"List the supported modem models"`
	Status    cmd.Status        `cmd:"" help:"Show the state of a running emulator"`
	Hangup    cmd.Hangup        `cmd:"" help:"Drop the current call of a running emulator"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
	Install   cmd.Install       `cmd:"" help:"Install the emulator as a systemd service"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the systemd service"`
}
