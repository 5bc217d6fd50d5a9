package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_lpccan-node._tcp"

// mdnsRegister is replaced in tests.
var mdnsRegister = defaultMDNSRegister

func defaultMDNSRegister(instance, service string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, "local.", port, txt, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// runMDNS advertises port until ctx ends.
func runMDNS(ctx context.Context, cfg *appConfig, addr string) error {
	port, err := portOf(addr)
	if err != nil {
		return err
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "lpccan-node-" + host
	}
	txt := []string{
		"baud=" + strconv.FormatUint(uint64(cfg.canBaud), 10),
		"bridge=" + cfg.bridge,
		"version=" + version,
		"commit=" + commit,
	}
	shutdown, err := mdnsRegister(instance, mdnsServiceType, port, txt)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	<-ctx.Done()
	shutdown()
	return nil
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("listen address %q: bad port", addr)
	}
	return n, nil
}
