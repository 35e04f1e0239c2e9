// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/u-root/whisper/ds"
	"github.com/u-root/whisper/server"
)

const anyCID = math.MaxUint32

func listen(network, port string) (net.Listener, error) {
	// Sadly, vsock is not in the standard Go net package.
	var (
		ln  net.Listener
		err error
	)

	switch network {
	case "vsock":
		var p uint64
		p, err = strconv.ParseUint(port, 0, 32)
		if err != nil {
			return nil, err
		}
		ln, err = vsock.ListenContextID(anyCID, uint32(p), nil)

	case "unix", "unixpacket":
		// net.JoinHostPort is no help for UDS.
		ln, err = net.Listen(network, port)

	default:
		ln, err = net.Listen(network, net.JoinHostPort("", port))
	}
	return ln, err
}

func advertise(c *server.Config) error {
	p, err := strconv.Atoi(c.Port)
	if err != nil {
		return fmt.Errorf("could not parse port %q: %w", c.Port, err)
	}
	txt := map[string]string{}
	for k, v := range c.DNSSD.Txt {
		txt[k] = v
	}
	verbose("Advertising w/dnssd %q", txt)
	if err := ds.Register(c.DNSSD.Instance, c.DNSSD.Domain, c.DNSSD.Service, c.DNSSD.Interface, p, txt); err != nil {
		return fmt.Errorf("could not advertise with dns-sd: %w", err)
	}
	return nil
}

func serve(c *server.Config) error {
	s, err := server.NewFromConfig(c)
	if err != nil {
		return err
	}
	verbose("Server key %v", s.Key.PublicKey().Type())

	ln, err := listen(c.Network, c.Port)
	if err != nil {
		return err
	}

	if c.DNSSD.Enabled {
		if err := advertise(c); err != nil {
			log.Printf("WHISPERD:%v", err)
		} else {
			defer ds.Unregister()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		verbose("Got %v, shutting down", <-sig)
		if err := s.Close(); err != nil {
			log.Printf("WHISPERD:close: %v", err)
		}
	}()

	log.Printf("WHISPERD:listening on %v %v", ln.Addr().Network(), ln.Addr())
	if err := s.Serve(ln); !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	verbose("Serve returns")
	return nil
}
