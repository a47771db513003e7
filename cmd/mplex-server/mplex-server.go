package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cbeuw/mplex/internal/common"
	"github.com/cbeuw/mplex/internal/server"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "server.json", "config: path to the configuration file (.json or .toml) or its content")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("mplex-server %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	raw, err := server.ParseConfig(config)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	sta, err := server.InitState(raw, common.RealWorldState)
	if err != nil {
		log.Fatalf("unable to initialise server state: %v", err)
	}

	// in case the user hasn't specified any local address to bind to, we listen on 7000
	if len(sta.BindAddr) == 0 {
		addr, _ := net.ResolveTCPAddr("tcp", ":7000")
		sta.BindAddr = []net.Addr{addr}
	}

	if sta.AdminAddr != "" {
		go func() {
			log.Infof("Admin API listening on %v", sta.AdminAddr)
			log.Error(http.ListenAndServe(sta.AdminAddr, server.APIRouterOf(sta)))
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("Received %v, closing all sessions", s)
		if err := sta.Shutdown(); err != nil {
			log.Error(err)
		}
		os.Exit(0)
	}()

	listen := func(bindAddr net.Addr) {
		listener, err := net.Listen("tcp", bindAddr.String())
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("Listening on %v (%v)", bindAddr, sta.Transport)
		if sta.Transport == server.TransportWebSocket {
			listener = server.ListenWebSocket(listener, sta.WebSocketPath)
		}
		server.Serve(listener, sta)
	}

	for i, addr := range sta.BindAddr {
		if i != len(sta.BindAddr)-1 {
			go listen(addr)
		} else {
			// we block the main goroutine here so it doesn't quit
			listen(addr)
		}
	}
}
