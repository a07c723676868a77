package cli_options

import "github.com/urfave/cli/v2"

// GetFlags - flags shared by the commands
func GetFlags(hostname string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			EnvVars: []string{"TUNLINK_CONFIG"},
			Usage:   "Path to the YAML config file, environments/<TUNLINK_ENV>.yaml by default.",
		},
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			EnvVars: []string{"MACHINE_NAME"},
			Value:   hostname,
			Usage:   "Machine name this node signals under.",
		},
		&cli.IntFlag{
			Name:    "verbosity",
			Aliases: []string{"v"},
			Usage:   "Log verbosity 0-4, overrides VERBOSITY and the config file.",
			Value:   -1,
		},
	}
}

// certFlags - flags of the cert command
func certFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Directory the certificate and key are written to.",
		},
		&cli.IntFlag{
			Name:  "days",
			Value: 365,
			Usage: "Validity of the certificate in days.",
		},
	}
}

// connectFlags - flags of the connect command
func connectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "peer",
			Aliases:  []string{"p"},
			Required: true,
			Usage:    "File holding the peer's descriptor as printed by its descriptor command, - for stdin.",
		},
		&cli.StringFlag{
			Name:    "direction",
			Aliases: []string{"d"},
			Value:   "forward",
			Usage:   "forward (dial the peer), reverse (the peer dials back) or symmetric.",
		},
		&cli.StringFlag{
			Name:    "api",
			EnvVars: []string{"API_LISTEN"},
			Usage:   "Address of the running daemon's API.",
		},
	}
}
