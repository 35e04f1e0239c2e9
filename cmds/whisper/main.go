// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/u-root/u-root/pkg/termios"
	"github.com/u-root/u-root/pkg/ulog"
	"github.com/u-root/whisper/client"
	"github.com/u-root/whisper/transport"
	"golang.org/x/term"
)

const maxLoginTries = 3

var (
	debug       = flag.Bool("d", false, "enable debug prints")
	dump        = flag.Bool("dump", false, "Dump copious output to a temp file at exit")
	hostKeyFile = flag.String("hk", "", "file holding the server's public key")
	keyFile     = flag.String("key", "", "key file")
	noKey       = flag.Bool("nokey", false, "use a throwaway key instead of a key file")
	network     = flag.String("net", "tcp", "network type to use: tcp, unix or vsock")
	port        = flag.String("sp", "", "whisperd port")
	name        = flag.String("name", "whisper", "client name sent to the server")
	userName    = flag.String("l", "", "user to log in as (default is the local user)")
	compress    = flag.Bool("compress", false, "compress stdin with lz4")
	timeout     = flag.Duration("timeout", 30*time.Second, "time to wait for handshake, login and shell replies")
	noStdin     = flag.Bool("n", false, "do not send stdin to the remote command")

	v          = func(string, ...interface{}) {}
	dumpWriter *os.File
)

func verbose(f string, a ...interface{}) {
	v("\r\n"+f+"\r\n", a...)
}

func flags() {
	flag.Parse()
	if *dump && *debug {
		log.Fatalf("You can only set either dump OR debug")
	}
	if *debug {
		v = log.Printf
		client.SetVerbose(log.Printf)
		transport.SetVerbose(log.Printf)
	}
	if *dump {
		var err error
		dumpWriter, err = os.CreateTemp("", "whisper")
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Logging to %s", dumpWriter.Name())
		ulog.Log = log.New(dumpWriter, "", log.Ltime|log.Lmicroseconds)
		v = ulog.Log.Printf
		client.SetVerbose(v)
		transport.SetVerbose(v)
	}
}

func loginUser() string {
	if *userName != "" {
		return *userName
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// password returns WHISPER_PASSWORD if set. Otherwise it prompts on
// the terminal, or reads a line from stdin when that is not a terminal.
func password(prompt string) (string, error) {
	if pw, ok := os.LookupEnv("WHISPER_PASSWORD"); ok {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return string(pw), err
}

func login(ctx context.Context, c *client.Client, u string) error {
	var err error
	for i := 0; i < maxLoginTries; i++ {
		var pw string
		if pw, err = password(fmt.Sprintf("%s@%s's password: ", u, c.HostName)); err != nil {
			return err
		}
		err = c.Login(ctx, u, pw)
		var ae *client.AuthError
		if !errors.As(err, &ae) {
			return err
		}
		fmt.Fprintln(os.Stderr, "Permission denied, please try again.")
		if _, ok := os.LookupEnv("WHISPER_PASSWORD"); ok {
			break
		}
	}
	return err
}

// exitCode maps a command outcome to a process exit status.
func exitCode(o client.Outcome, err error) int {
	var f *client.Failure
	switch {
	case errors.As(err, &f):
		fmt.Fprintf(os.Stderr, "whisper: %v\n", f)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "whisper: %v\n", err)
		return 255
	}
	switch o := o.(type) {
	case client.Exit:
		if o.Message != "" {
			fmt.Fprintln(os.Stderr, o.Message)
		}
		return o.Code
	case client.Abort:
		fmt.Fprintf(os.Stderr, "whisper: aborted: %s\n", o.Message)
		return 130
	}
	return 0
}

func command(ctx context.Context, c *client.Client, line string) int {
	if err := c.OpenShell(ctx); err != nil {
		return exitCode(nil, fmt.Errorf("open shell: %w", err))
	}
	var wg sync.WaitGroup
	for _, f := range []struct {
		w io.Writer
		r io.Reader
	}{{os.Stdout, c.Stdout()}, {os.Stderr, c.Stderr()}} {
		wg.Add(1)
		go func(w io.Writer, r io.Reader) {
			defer wg.Done()
			if _, err := io.Copy(w, r); err != nil {
				verbose("copy output: %v", err)
			}
		}(f.w, f.r)
	}
	if *noStdin {
		c.Stdin().Close()
	} else {
		go func() {
			if _, err := io.Copy(c.Stdin(), os.Stdin); err != nil {
				verbose("copy stdin: %v", err)
			}
			c.Stdin().Close()
		}()
	}

	o, err := c.ExecuteLine(ctx, line)
	if val, ok := o.(client.Value); ok && val.V != nil {
		defer fmt.Println(val.V)
	}
	if cerr := c.CloseShell(context.Background()); cerr != nil {
		verbose("close shell: %v", cerr)
	}
	wg.Wait()
	return exitCode(o, err)
}

func interactive(ctx context.Context, c *client.Client) int {
	t, err := termios.New()
	if err != nil {
		return exitCode(nil, err)
	}
	r, err := t.Raw()
	if err != nil {
		return exitCode(nil, err)
	}
	defer t.Set(r)

	col, row := 80, 40
	if w, err := termios.GetWinSize(0); err != nil {
		verbose("Can not get winsize: %v; assuming %dx%d", err, col, row)
	} else {
		col, row = int(w.Col), int(w.Row)
	}
	tn := os.Getenv("TERM")
	if tn == "" {
		tn = "xterm"
	}
	if err := c.OpenPty(ctx, tn, uint16(row), uint16(col)); err != nil {
		return exitCode(nil, fmt.Errorf("open pty: %w", err))
	}
	stop := winch(c)
	defer stop()
	go c.TTYIn(c.Stdin(), os.Stdin)
	if _, err := io.Copy(os.Stdout, c.Stdout()); err != nil {
		verbose("copy output: %v", err)
	}
	if err := c.CloseShell(context.Background()); err != nil {
		verbose("close shell: %v", err)
	}
	return 0
}

func run(host string, args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := client.New(host)
	defer c.Close()
	if err := c.SetOptions(
		client.WithPrivateKeyFile(*keyFile),
		client.WithDisablePrivateKey(*noKey),
		client.WithHostKeyFile(*hostKeyFile),
		client.WithPort(*port),
		client.WithNetwork(*network),
		client.WithName(*name),
		client.WithCompression(*compress),
		client.WithTimeout(*timeout)); err != nil {
		log.Fatal(err)
	}
	if err := c.Dial(ctx); err != nil {
		return exitCode(nil, fmt.Errorf("dial: %w", err))
	}
	verbose("connected to %v as %v", c.HostName, c.ClientID())
	if err := login(ctx, c, loginUser()); err != nil {
		return exitCode(nil, fmt.Errorf("login: %w", err))
	}
	if len(args) == 0 {
		return interactive(ctx, c)
	}
	return command(ctx, c, strings.Join(args, " "))
}

func usage() {
	var b bytes.Buffer
	flag.CommandLine.SetOutput(&b)
	flag.PrintDefaults()
	log.Fatalf("Usage: whisper [options] host [shell command]:\n%v", b.String())
}

func main() {
	flags()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	host := args[0]
	verbose("Running as client, to host %q, args %q", host, args[1:])
	code := run(host, args[1:])
	if dumpWriter != nil {
		log.Printf("Log in %v", dumpWriter.Name())
		dumpWriter.Close()
	}
	os.Exit(code)
}
