// tunlink - peer to peer TCP tunnels through NAT feeding a Linux tun device
package main

import (
	"log"
	"os"
	"runtime/debug"

	"github.com/gravitl/tunlink/cli_options"
	"github.com/gravitl/tunlink/ncutils"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "tunlink"
	app.Usage = "Peer to peer TCP tunnels with TTL hole punching, carried over a tun device."
	app.Version = version

	cliFlags := cli_options.GetFlags(ncutils.GetHostname())
	app.Commands = cli_options.GetCommands(cliFlags[:])

	setGarbageCollection()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setGarbageCollection() {
	_, gcset := os.LookupEnv("GOGC")
	if !gcset {
		debug.SetGCPercent(ncutils.DEFAULT_GC_PERCENT)
	}
}
