// Package cmd provides CLI commands for the flybackd binary.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/crystalford/flyback/config"
)

// configFlags returns the flags shared by every command: the config
// file path and directory overrides.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to YAML config file",
			Value:   "flyback.yaml",
		},
		&cli.StringFlag{
			Name:  "data-dir",
			Usage: "State directory override",
		},
		&cli.StringFlag{
			Name:  "registry-dir",
			Usage: "Catalog directory override",
		},
	}
}

// loadConfig reads the config file and applies directory overrides.
// Flags win over both the file and FLYBACK_* environment values.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := c.String("registry-dir"); v != "" {
		cfg.RegistryDir = v
	}
	return cfg, nil
}
