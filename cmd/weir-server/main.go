package main

import (
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/weirmux/weir/fwd"
)

var version string

func main() {
	var bindAddr string
	var upstreamAddr string
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&bindAddr, "b", ":1984", "bindAddr: address to accept transport connections on")
	flag.StringVar(&upstreamAddr, "u", "", "upstreamAddr: address incoming streams are forwarded to")
	flag.StringVar(&config, "c", "", "config: path to the configuration file, optional")
	askVersion := flag.Bool("v", false, "Print the version number")
	flag.Parse()

	if *askVersion {
		fmt.Printf("weir-server %v\n", version)
		return
	}
	if upstreamAddr == "" {
		log.Fatal("no upstream address specified, use -u")
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	var fwdConfig fwd.Config
	if config != "" {
		fwdConfig, err = fwd.ParseConfig(config)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		fwdConfig, err = fwd.DefaultConfig()
		if err != nil {
			log.Fatal(err)
		}
	}

	log.Fatal(fwd.Serve(bindAddr, upstreamAddr, fwdConfig))
}
