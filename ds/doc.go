// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Decentralized Services (aka ds)
// Inspired by http://man.cat-v.org/inferno/8/cs
//
// This package provides an opinionated DNS-SD for whisper and whisperd.
//
// Beyond basic service resolution, it provides and uses meta-data relating to
// the current configuration and state of the system in the DNS-SD TXT record,
// which can be used to help select an appropriate endpoint based on user
// specified (or sensible default) criteria, e.g.
//
//	dnssd:?arch=arm64
//
// picks any arm64 whisperd on the local network.
package ds
