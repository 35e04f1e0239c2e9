// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/u-root/u-root/pkg/ulog"
	"github.com/u-root/whisper/ds"
	"github.com/u-root/whisper/keys"
	"github.com/u-root/whisper/server"
	"github.com/u-root/whisper/session"
	"github.com/u-root/whisper/transport"
	"golang.org/x/term"
)

var (
	configFile  = flag.String("config", "", "YAML configuration file")
	hostKeyFile = flag.String("hk", "", "file for host key; a key is generated if empty")
	pubKeyFile  = flag.String("pk", "", "authorized_keys file; any key may connect if empty")
	passwords   = flag.String("pw", "", "file of user:bcrypt-hash lines")
	port        = flag.String("sp", "", "whisperd port (default "+server.DefaultPort+")")
	network     = flag.String("net", "", "network to use (default tcp)")
	private     = flag.Bool("private", false, "run commands in private mount namespaces")
	compress    = flag.Bool("compress", false, "compress output chunks with lz4")
	genKey      = flag.String("genkey", "", "write a new key pair to this file and file.pub, then exit")
	hashPw      = flag.Bool("hashpw", false, "read a password and print its hash, then exit")

	dsEnabled   = flag.Bool("dnssd", false, "advertise service using DNSSD")
	dsInstance  = flag.String("dsInstance", "", "DNSSD instance name")
	dsDomain    = flag.String("dsDomain", "", "DNSSD domain (default local)")
	dsService   = flag.String("dsService", ds.Service, "DNSSD Service Type")
	dsInterface = flag.String("dsInterface", "", "DNSSD Interface")
	dsTxtStr    = flag.String("dsTxt", "", "DNSSD key-value pair string parameterizing advertisement")

	debug = flag.Bool("d", false, "enable debug prints")
	klog  = flag.Bool("klog", false, "Log whisperd messages in kernel log, not stdout")
	// v allows debug printing.
	// Do not call it directly, call verbose instead.
	v = func(string, ...interface{}) {}
)

func verbose(f string, a ...interface{}) {
	v("WHISPERD:"+f, a...)
}

func commonsetup() {
	if !*debug {
		return
	}
	v = log.Printf
	if *klog {
		ulog.KernelLog.Reinit()
		v = ulog.KernelLog.Printf
	}
	server.SetVerbose(v)
	transport.SetVerbose(v)
	session.SetVerbose(v)
	keys.SetVerbose(v)
	ds.SetVerbose(v)
}

// config merges the configuration file with the flags set on the
// command line. Flags win.
func config() (*server.Config, error) {
	c := server.DefaultConfig()
	if *configFile != "" {
		var err error
		if c, err = server.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "hk":
			c.HostKey = *hostKeyFile
		case "pk":
			c.AuthorizedKeys = *pubKeyFile
		case "pw":
			c.Passwords = *passwords
		case "sp":
			c.Port = *port
		case "net":
			c.Network = *network
		case "private":
			c.Private = *private
		case "compress":
			c.Compress = *compress
		case "dnssd":
			c.DNSSD.Enabled = *dsEnabled
		case "dsInstance":
			c.DNSSD.Instance = *dsInstance
		case "dsDomain":
			c.DNSSD.Domain = *dsDomain
		case "dsService":
			c.DNSSD.Service = *dsService
		case "dsInterface":
			c.DNSSD.Interface = *dsInterface
		case "dsTxt":
			c.DNSSD.Txt = ds.ParseKv(*dsTxtStr)
		}
	})
	return c, c.Validate()
}

func generate(file string) error {
	k, err := keys.Generate()
	if err != nil {
		return err
	}
	b, err := k.MarshalPrivateKey("whisperd")
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, b, 0o600); err != nil {
		return err
	}
	return os.WriteFile(file+".pub", keys.MarshalAuthorizedKey(k.PublicKey()), 0o644)
}

func hashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	h, err := server.HashPassword(string(pw))
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}

func main() {
	flag.Parse()
	commonsetup()
	verbose("Args %v pid %d", os.Args, os.Getpid())

	switch {
	case *genKey != "":
		if err := generate(*genKey); err != nil {
			log.Fatalf("WHISPERD:generating key: %v", err)
		}
		return
	case *hashPw:
		if err := hashPassword(); err != nil {
			log.Fatalf("WHISPERD:%v", err)
		}
		return
	}

	c, err := config()
	if err != nil {
		log.Fatalf("WHISPERD:%v", err)
	}
	if err := serve(c); err != nil {
		log.Fatalf("WHISPERD:%v", err)
	}
}
