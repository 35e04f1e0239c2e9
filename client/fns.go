// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	config "github.com/kevinburke/ssh_config"
	"github.com/mdlayher/vsock"
	"github.com/u-root/whisper/keys"
)

const (
	// DefaultPort is the default whisper port.
	DefaultPort = "17020"
)

var (
	// DefaultKeyFile is the default key for whisper users.
	DefaultKeyFile = filepath.Join(os.Getenv("HOME"), ".ssh/whisper_ed25519")
)

func verbose(f string, a ...interface{}) {
	v("client:"+f, a...)
}

// keyConfig sets up the client's key pair. It is required in almost
// all cases; with DisablePrivateKey set, a throwaway key is generated.
func (c *Client) keyConfig() error {
	if c.key != nil {
		return nil
	}
	if c.DisablePrivateKey {
		k, err := keys.Generate()
		if err != nil {
			return err
		}
		c.key = k
		return nil
	}
	kf := GetKeyFile(c.Host, c.PrivateKeyFile)
	k, err := keys.Load(kf)
	if err != nil {
		return fmt.Errorf("unable to read private key %q: %w", kf, err)
	}
	c.key = k
	return nil
}

// hostKeyConfig sets the expected server key. It is optional.
func (c *Client) hostKeyConfig() error {
	if c.hostKey != nil || c.HostKeyFile == "" {
		return nil
	}
	ks, err := keys.LoadAuthorizedKeys(c.HostKeyFile)
	if err != nil {
		return fmt.Errorf("unable to read host key %v: %w", c.HostKeyFile, err)
	}
	if len(ks) == 0 {
		return fmt.Errorf("host key file %v has no keys", c.HostKeyFile)
	}
	c.hostKey = ks[0]
	return nil
}

// TTYIn copies r to w, a byte at a time, and closes the client on
// ~. at the start of a line, as ssh does.
func (c *Client) TTYIn(w io.Writer, r io.Reader) {
	var newLine, tilde bool
	var t = []byte{'~'}
	var b [1]byte
	for {
		if _, err := r.Read(b[:]); err != nil {
			return
		}
		switch b[0] {
		default:
			newLine = false
			if tilde {
				if _, err := w.Write(t[:]); err != nil {
					return
				}
				tilde = false
			}
			if _, err := w.Write(b[:]); err != nil {
				return
			}
		case '\n', '\r':
			newLine = true
			if _, err := w.Write(b[:]); err != nil {
				return
			}
		case '~':
			if newLine {
				newLine = false
				tilde = true
				break
			}
			if _, err := w.Write(t[:]); err != nil {
				return
			}
		case '.':
			if tilde {
				c.Close()
				return
			}
			if _, err := w.Write(b[:]); err != nil {
				return
			}
		}
	}
}

// GetKeyFile picks a keyfile if none has been set.
// It will use ssh config, else use a default.
func GetKeyFile(host, kf string) string {
	verbose("getKeyFile for %q", kf)
	if len(kf) == 0 {
		kf = config.Get(host, "IdentityFile")
		verbose("key file from config is %q", kf)
		if len(kf) == 0 {
			kf = DefaultKeyFile
		}
	}
	// The kf will always be non-zero at this point.
	if strings.HasPrefix(kf, "~") {
		kf = filepath.Join(os.Getenv("HOME"), kf[1:])
	}
	verbose("getKeyFile returns %q", kf)
	// this is a tad annoying, but the config package doesn't handle ~.
	return kf
}

// GetHostName reads the host name from the ssh config file,
// if needed. If it is not found, the host name is returned.
func GetHostName(host string) string {
	h := config.Get(host, "HostName")
	if len(h) != 0 {
		host = h
	}
	return host
}

// GetPort gets a port. It verifies that the port fits in 16-bit space.
// The rules here are messy, since config.Get will return "22" if
// there is no entry in .ssh/config. 22 is not allowed. So in the case
// of "22", convert to DefaultPort.
func GetPort(host, port string) (string, error) {
	p := port
	verbose("getPort(%q, %q)", host, port)
	if len(port) == 0 {
		if cp := config.Get(host, "Port"); len(cp) != 0 {
			verbose("config.Get(%q,%q): %q", host, port, cp)
			p = cp
		}
	}
	if len(p) == 0 || p == "22" {
		p = DefaultPort
		verbose("getPort: return default %q", p)
	}
	if _, err := strconv.ParseUint(p, 0, 16); err != nil {
		return "", fmt.Errorf("port %q: %w", p, err)
	}
	verbose("returns %q", p)
	return p, nil
}

// vsockIdPort gets a context id and a port from host and port.
// The id and port are uint32.
func vsockIdPort(host, port string) (uint32, uint32, error) {
	h, err := strconv.ParseUint(host, 0, 32)
	if err != nil {
		return 0, 0, err
	}
	p, err := strconv.ParseUint(port, 0, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(h), uint32(p), nil
}

// vsockDial dials a vsock host, named by context id, and port.
func vsockDial(host, port string) (net.Conn, string, error) {
	id, p, err := vsockIdPort(host, port)
	if err != nil {
		return nil, "", err
	}
	addr := fmt.Sprintf("vsock:%#x:%d", id, p)
	verbose("vsock(%v, %v) = %v", host, port, addr)
	conn, err := vsock.Dial(id, p, nil)
	return conn, addr, err
}
