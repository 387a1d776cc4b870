// Command blepmd runs the BLE peripheral connectivity manager.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/config"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"
)

const version = "0.3.0"

func main() {
	app := cli.NewApp()
	app.Name = "blepmd"
	app.Usage = "BLE peripheral connectivity manager"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "/etc/blepmd.yaml",
			Usage:  "config file; a missing file means defaults",
			EnvVar: "BLEPM_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Advertise and serve peripheral connections",
			Action: runCommand,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "sim", Usage: "use the simulated radio instead of HCI"},
				cli.BoolFlag{Name: "demo", Usage: "with --sim, play a scripted peer session"},
				cli.BoolFlag{Name: "echo", Usage: "indicate received data back to the sender"},
				cli.BoolFlag{Name: "plain", Usage: "print events without color"},
			},
		},
		{
			Name:   "payload",
			Usage:  "Print the identity advertising payload",
			Action: payloadCommand,
		},
		{
			Name:   "config",
			Usage:  "Print the effective configuration",
			Action: configCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("blepmd: %v", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	blepm.SetLogLevel(cfg.Logger.Level)
	return cfg, nil
}

func configCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	_, err = os.Stdout.Write(b)
	return err
}
