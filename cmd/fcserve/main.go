package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	logxi "github.com/mgutz/logxi/v1"

	"github.com/karlmutch/errors"

	"github.com/karlmutch/fcserve"
	"github.com/karlmutch/fcserve/usbio"
	"github.com/karlmutch/fcserve/version"

	"github.com/karlmutch/envflag" // Forked copy of https://github.com/GoBike/envflag
)

var (
	logger = logxi.New("fcserve")

	configFile = flag.String("config", "", "JSON or YAML server configuration file, a built in default is used when omitted")
	listenOpt  = flag.String("listen", "", "address accepting OPC and HTTP traffic, overrides the configuration file")
	scanEvery  = flag.Duration("scan-interval", 2*time.Second, "how often the USB bus is rescanned for controllers")
	flushEvery = flag.Duration("flush-interval", time.Millisecond, "how often completed transfers are reaped")
	verbose    = flag.Bool("v", false, "When enabled will print internal logging for this tool")
)

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[options]       OPC ← TCP → USB (fcserve)      ", version.GitHash, "    ", version.BuildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "fcserve is an Open Pixel Control server driving USB fadecandy boards")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options can also be extracted from environment variables by changing dashes '-' to underscores and using upper case.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "log levels are handled by the LOGXI env variables, these are documented at https://github.com/mgutz/logxi")
}

func init() {
	flag.Usage = usage
}

func main() {

	// Parse the CLI flags
	if !flag.Parsed() {
		envflag.Parse()
	}

	if *verbose {
		logger.SetLevel(logxi.LevelDebug)
	}

	logger.Debug(fmt.Sprintf("%s built at %s, against commit id %s", os.Args[0], version.BuildTime, version.GitHash))

	cfg := fcserve.DefaultConfig()
	if *configFile != "" {
		loaded, err := fcserve.LoadConfig(*configFile)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(-1)
		}
		cfg = loaded
	}
	if *listenOpt != "" {
		cfg.Listen = *listenOpt
	}
	if cfg.Verbose {
		logger.SetLevel(logxi.LevelDebug)
	}

	quitC := make(chan struct{})
	errorC := make(chan errors.Error, 1)

	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
		<-sigC
		close(quitC)
	}()

	go func() {
		for {
			select {
			case err := <-errorC:
				if err != nil {
					logger.Warn(err.Error())
				}
			case <-quitC:
				return
			}
		}
	}()

	hub := fcserve.NewHub(cfg)
	go hub.Run(*flushEvery, quitC)

	scanner := usbio.NewScanner(hub)
	go scanner.Run(*scanEvery, errorC, quitC)

	server := fcserve.NewNetServer(hub.Dispatch)
	if err := server.ListenAndServe(cfg.Listen, quitC); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
