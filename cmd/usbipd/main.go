package main

import (
	"context"
	"flag"
	"os/signal"
	"strings"
	"syscall"

	usbip "github.com/daedaluz/gousbip"
	"github.com/sirupsen/logrus"
)

func main() {
	listen := flag.String("listen", usbip.DefaultAddr, "listen address")
	devices := flag.String("devices", "", "comma-separated bus ids to share (e.g. 1-2,3-1.4)")
	capturePath := flag.String("capture", "", "write a diagnostic capture of URB traffic to this file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logrus.StandardLogger()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if *devices == "" {
		log.Fatal("no devices shared; use -devices")
	}

	srv := &usbip.Server{
		Addr:     *listen,
		Registry: usbip.NewSysfsRegistry(strings.Split(*devices, ",")),
		Log:      log,
	}
	if *capturePath != "" {
		capture, err := usbip.NewFileCapture(*capturePath)
		if err != nil {
			log.WithError(err).Fatal("cannot open capture file")
		}
		defer capture.Close()
		srv.Capture = capture
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
