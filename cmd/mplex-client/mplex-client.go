package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cbeuw/mplex/internal/client"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string
	var cli client.RawConfig

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "", "config: path to the configuration file (.json or .toml) or its content")
	flag.StringVar(&cli.RemoteHost, "s", "", "remoteHost: IP or hostname of the mplex server")
	flag.StringVar(&cli.RemotePort, "p", "", "remotePort: port of the mplex server")
	flag.StringVar(&cli.Transport, "transport", "", "transport: tcp or websocket")
	flag.IntVar(&cli.NumStreams, "streams", 0, "number of streams to open")
	flag.IntVar(&cli.NumChunks, "chunks", 0, "number of labelled chunks to send on each stream")
	flag.StringVar(&cli.Label, "label", "", "prefix of the stream labels")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")

	// commandline arguments overrides the config file
	flag.Parse()

	if *askVersion {
		fmt.Printf("mplex-client %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	var raw client.RawConfig
	if config != "" {
		raw, err = client.ParseConfig(config)
		if err != nil {
			log.Fatalf("Configuration file error: %v", err)
		}
	}
	overrideWith(&raw, cli)

	remoteConfig, runConfig, err := raw.ProcessRawConfig()
	if err != nil {
		log.Fatal(err)
	}

	sesh, err := client.MakeSession(remoteConfig)
	if err != nil {
		log.Fatal(err)
	}
	defer sesh.Close()

	report, err := client.Run(sesh, runConfig)
	log.WithFields(log.Fields{
		"streams":  report.Streams,
		"verified": report.Verified,
		"failed":   report.Failed,
		"sent":     report.BytesSent,
		"received": report.BytesReceived,
		"elapsed":  report.Elapsed,
	}).Info("Run finished")
	if err != nil {
		log.Error(err)
		sesh.Close()
		os.Exit(1)
	}
}

func overrideWith(raw *client.RawConfig, cli client.RawConfig) {
	if cli.RemoteHost != "" {
		raw.RemoteHost = cli.RemoteHost
	}
	if cli.RemotePort != "" {
		raw.RemotePort = cli.RemotePort
	}
	if cli.Transport != "" {
		raw.Transport = cli.Transport
	}
	if cli.NumStreams != 0 {
		raw.NumStreams = cli.NumStreams
	}
	if cli.NumChunks != 0 {
		raw.NumChunks = cli.NumChunks
	}
	if cli.Label != "" {
		raw.Label = cli.Label
	}
}
