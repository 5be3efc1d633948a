// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// FreePort returns a TCP port that was free at the time of the call.
// The port is not reserved: another process may claim it before the
// caller binds it.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, errors.E(errors.Net, "dist: find free port", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// HostAddr resolves the local host name to an address that peers on
// other hosts can dial. It falls back to the host name itself when
// the name does not resolve.
func HostAddr() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", errors.E(errors.Net, "dist: host name", err)
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host, nil
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil && !ip.IsLoopback() {
			return addr, nil
		}
	}
	return addrs[0], nil
}

// VisibleAccelerators returns the number of accelerator devices visible to
// this process. CUDA_VISIBLE_DEVICES takes precedence over the
// device nodes present on the host.
func VisibleAccelerators() int {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return 0
		}
		return len(strings.Split(v, ","))
	}
	nodes, err := filepath.Glob("/dev/nvidia[0-9]*")
	if err != nil {
		return 0
	}
	var n int
	for _, node := range nodes {
		if _, err := strconv.Atoi(strings.TrimPrefix(node, "/dev/nvidia")); err == nil {
			n++
		}
	}
	return n
}
