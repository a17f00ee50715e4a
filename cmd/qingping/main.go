package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/cmd/qingping/decode"
	"github.com/zlobober/qingping-cgs1/cmd/qingping/run"
	"github.com/zlobober/qingping-cgs1/cmd/qingping/subcmd"
	"github.com/zlobober/qingping-cgs1/internal/config"
	"github.com/zlobober/qingping-cgs1/log2"
)

var modules = []subcmd.Mod{
	run.Mod,
	decode.Mod,
}

func main() {
	flagConfig := flag.String("config", "qingping.hcl", "")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] command\nCommands: run, decode [MODEL]\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	var cfg *config.Config
	if !mod.NoConfig {
		cfg = config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
		if !cfg.LogDebug {
			log.SetLevel(log2.LInfo)
		}
		log.Debugf("config broker=%s devices=%d", cfg.MQTT.Broker, len(cfg.Devices))
	}

	if err = mod.Main(context.Background(), cfg, log, flag.Args()[1:]); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
