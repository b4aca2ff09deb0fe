package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/Aikoze/b2-smime-service/pkg/compostage"
)

// Compostage prints freshly generated compostage dates.
func Compostage(c *cli.Context) error {
	n := c.Int("n")
	if n < 1 {
		return fmt.Errorf("-n must be positive, got %d", n)
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		fmt.Println(compostage.Generate(time.Now()))
	}
	return nil
}

var CompostageCommand = cli.Command{
	Name:   "compostage",
	Action: Compostage,
	Usage:  "Generate compostage dates for B2 batches",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "n",
			Value: 1,
			Usage: "Number of dates to generate",
		},
	},
}
