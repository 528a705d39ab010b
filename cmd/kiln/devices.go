package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/calder93/kiln/internal/device"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the logical devices available on this host",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			for _, d := range device.Detect().List() {
				fmt.Println(d.ID())
			}
			return nil
		},
	}
}
