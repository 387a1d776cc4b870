package main

import (
	"encoding/hex"
	"fmt"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/adv"
	"github.com/urfave/cli"
)

func payloadCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	svc, err := blepm.Parse(cfg.Device.ServiceUUID)
	if err != nil {
		return errors.Wrap(err, "service uuid")
	}
	ad, sr, err := adv.Identity(cfg.Device.Name, svc)
	if err != nil {
		return errors.Wrap(err, "build payload")
	}

	label := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s %s\n", label("adv:"), hex.EncodeToString(ad))
	fmt.Printf("%s %s\n", label("scan response:"), hex.EncodeToString(sr))
	return nil
}
