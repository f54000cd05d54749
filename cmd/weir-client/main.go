package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/weirmux/weir/fwd"
)

var version string

func main() {
	var localAddr string
	var remoteAddr string
	var config string

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&localAddr, "l", "127.0.0.1:1984", "localAddr: address to listen for connections to forward")
	flag.StringVar(&remoteAddr, "s", "", "remoteAddr: address of the weir-server")
	flag.StringVar(&config, "c", "", "config: path to the configuration file, optional")
	askVersion := flag.Bool("v", false, "Print the version number")
	flag.Parse()

	if *askVersion {
		fmt.Printf("weir-client %v\n", version)
		return
	}
	if remoteAddr == "" {
		log.Fatal("no remote address specified, use -s")
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
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

	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("forwarding %v to %v", localAddr, remoteAddr)

	sesh, err := fwd.DialSession(remoteAddr, fwdConfig)
	if err != nil {
		log.Fatal(err)
	}
	if err := fwd.RouteTCP(listener, sesh, fwdConfig); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
