package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/Aikoze/b2-smime-service/internal/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "b2smime"
	app.Usage = "encrypt SESAM-Vitale B2 interchange messages for health insurance organisations"
	app.Version = server.Version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "Read configuration from `PATH` instead of the environment",
			EnvVar: "B2SMIME_CONFIG",
		},
	}

	app.Commands = []cli.Command{
		ServeCommand,
		FetchCommand,
		PrefetchCommand,
		ListCommand,
		InitCommand,
		CompostageCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "b2smime: %v\n", err)
		os.Exit(1)
	}
}
