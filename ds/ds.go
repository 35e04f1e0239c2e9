// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"golang.org/x/exp/slices"
)

var (
	v = func(string, ...interface{}) {}

	mu      sync.Mutex
	cancel  = func() {}
	tenants = 0
	tenChan = make(chan int, 1)
)

// ErrNotFound is returned when no advertised service meets a query.
var ErrNotFound = errors.New("dnssd found no suitable service")

// Query is a simple form dns-sd query.
type Query struct {
	Type   string
	Domain string
	Text   map[string][]string
}

const (
	// DsDefault is the URI of any whisperd for this arch and os.
	DsDefault = "dnssd:"
	// Service is the whisperd service type.
	Service = "_whisper._tcp"

	dsTimeout  = 1 * time.Second // query-timeout
	timeFormat = "15:04:05.000"
	dsUpdate   = 60 * time.Second // server meta-data refresh
)

// client relative code

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// check that dns-sd response has all required attributes
func required(src map[string]string, req map[string][]string) bool {
	for k := range req {
		if !slices.Contains(req[k], src[k]) {
			return false
		}
	}
	return true
}

// Parse parses a DNS-SD URI into a Query.
// Supported URIs look like dnssd://domain/_service._network?reqkey=reqvalue.
// The default domain is local, the default service is _whisper._tcp, and
// arch and os default to those of the caller.
func Parse(uri string) (Query, error) {
	result := Query{
		Type:   Service,
		Domain: "local",
	}

	u, err := url.Parse(uri)
	if err != nil {
		return result, fmt.Errorf("parsing url %s: %w", uri, err)
	}

	if u.Scheme != "dnssd" {
		return result, fmt.Errorf("%q: not a dns-sd URI", uri)
	}

	// following dns-sd URI conventions from CUPS
	if u.Host != "" {
		result.Domain = u.Host
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		result.Type = p
	}

	result.Text = u.Query()

	if len(result.Text["arch"]) == 0 {
		result.Text["arch"] = []string{runtime.GOARCH}
	}

	if len(result.Text["os"]) == 0 {
		result.Text["os"] = []string{runtime.GOOS}
	}

	return result, nil
}

// Lookup browses for a service meeting query, and returns its host and port.
func Lookup(ctx context.Context, query Query) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, dsTimeout)
	defer cancel()

	service := fmt.Sprintf("%s.%s.", strings.Trim(query.Type, "."), strings.Trim(query.Domain, "."))

	v("ds: browsing for %s", service)

	respCh := make(chan *dnssd.BrowseEntry, 1)

	addFn := func(e dnssd.BrowseEntry) {
		v("%s	Add	%s	%s	%s	%s (%s)", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name, e.IPs)
		v("ds: checking %v against %v", e.Text, query.Text)
		if required(e.Text, query.Text) && len(e.IPs) > 0 {
			select {
			case respCh <- &e:
			default:
			}
		}
	}

	rmvFn := func(e dnssd.BrowseEntry) {
		v("%s	Rmv	%s	%s	%s	%s", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name)
		// we aren't maintaining cache so don't care?
	}

	done := make(chan error, 1)
	go func() {
		done <- dnssd.LookupType(ctx, service, addFn, rmvFn)
	}()

	var e *dnssd.BrowseEntry
	select {
	case e = <-respCh:
	case err := <-done:
		v("ds: lookup of %s: %v", service, err)
	}
	if e == nil {
		return "", "", fmt.Errorf("%s: %w", service, ErrNotFound)
	}

	if len(e.IPs) > 1 {
		v("ds: WARNING: there was more than one option for address")
	}

	return e.IPs[0].String(), strconv.Itoa(e.Port), nil
}

// Server components

// ParseKv parses a DNS-SD key value string into a map, with "true"
// for keys with no value.
func ParseKv(arg string) map[string]string {
	txt := make(map[string]string)
	if len(arg) == 0 {
		return txt
	}
	ss := strings.Split(arg, ",")
	for _, pair := range ss {
		z := strings.SplitN(pair, "=", 2)
		if len(z) > 1 {
			txt[z[0]] = z[1]
		} else {
			txt[z[0]] = "true"
		}
	}

	return txt
}

// Unregister stops advertising.
func Unregister() {
	v("ds: stopping dns-sd server")
	mu.Lock()
	defer mu.Unlock()
	cancel()
}

// DefaultInstance returns the instance name used when none is given.
func DefaultInstance() string {
	hostname, err := os.Hostname()
	if err == nil {
		hostname += "-whisperd"
	} else {
		hostname = "whisperd"
	}

	return hostname
}

// DefaultTxt fills in the arch, os, and cores a client may require.
func DefaultTxt(txtFlag map[string]string) {
	if len(txtFlag["arch"]) == 0 {
		txtFlag["arch"] = runtime.GOARCH
	}

	if len(txtFlag["os"]) == 0 {
		txtFlag["os"] = runtime.GOOS
	}

	if len(txtFlag["cores"]) == 0 {
		txtFlag["cores"] = strconv.Itoa(runtime.NumCPU())
	}
}

// Tenant updates the advertised tenant count by delta.
// It never blocks; if no advertisement is running, the update waits
// for the next refresh.
func Tenant(delta int) {
	v("ds: tenant delta %d", delta)
	select {
	case tenChan <- delta:
	default:
		mu.Lock()
		tenants += delta
		mu.Unlock()
	}
}

// Tenants returns the advertised tenant count.
func Tenants() int {
	mu.Lock()
	defer mu.Unlock()
	return tenants
}

// Register advertises a whisperd on port.
func Register(instanceFlag, domainFlag, serviceFlag, interfaceFlag string, portFlag int, txtFlag map[string]string) error {
	v("ds: starting dns-sd server")

	if len(serviceFlag) == 0 {
		serviceFlag = Service
	}
	if len(instanceFlag) == 0 {
		instanceFlag = DefaultInstance()
	}

	v("ds: advertising: %s.%s.%s.", strings.Trim(instanceFlag, "."), strings.Trim(serviceFlag, "."), strings.Trim(domainFlag, "."))

	resp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("dnssd newreponder fail: %w", err)
	}

	ifaces := []string{}
	if len(interfaceFlag) > 0 {
		ifaces = append(ifaces, interfaceFlag)
	}

	DefaultTxt(txtFlag)
	UpdateSysInfo(txtFlag)

	cfg := dnssd.Config{
		Name:   instanceFlag,
		Type:   serviceFlag,
		Domain: domainFlag,
		Port:   portFlag,
		Ifaces: ifaces,
		Text:   txtFlag,
	}
	srv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("whisperd: advertise: New service fail: %w", err)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	mu.Lock()
	cancel = ctxCancel
	mu.Unlock()

	go func() {
		time.Sleep(1 * time.Second)
		handle, err := resp.Add(srv)
		if err != nil {
			v("ds: adding service: %v", err)
			return
		}
		v("%s	Got a reply for service %s: Name now registered and active", time.Now().Format(timeFormat), handle.Service().ServiceInstanceName())
		tick := time.NewTicker(dsUpdate)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case delta := <-tenChan:
				mu.Lock()
				tenants += delta
				mu.Unlock()
			case <-tick.C:
			}
			UpdateSysInfo(txtFlag)
			handle.UpdateText(txtFlag, resp)
		}
	}()

	go func() {
		if err := resp.Respond(ctx); err != nil && !errors.Is(err, context.Canceled) {
			v("ds: responder: %v", err)
		} else {
			v("ds: whisperd dns-sd responder exited")
		}
	}()

	return nil
}
