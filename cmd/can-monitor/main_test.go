package main

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestParseOptions(t *testing.T) {
	o, err := parseOptions([]string{"-addr", "10.0.0.5:4876", "-tagged", "-send", "123#01", "-send", "18FF50E5#"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o.addr != "10.0.0.5:4876" || !o.tagged || len(o.send) != 2 {
		t.Fatalf("options %+v", o)
	}
	if o, err = parseOptions(nil); err != nil || o.addr != "127.0.0.1:4876" {
		t.Fatalf("defaults: %+v %v", o, err)
	}
	if _, err := parseOptions([]string{"-log-level", "chatty"}); err == nil {
		t.Fatalf("expected log level error")
	}
}

func TestEntryAddr(t *testing.T) {
	e := zeroconf.NewServiceEntry("gw-1", serviceType, "local.")
	if _, ok := entryAddr(e); ok {
		t.Fatalf("entry without port accepted")
	}
	e.Port = 4876
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	if _, ok := entryAddr(e); ok {
		t.Fatalf("link-local only entry accepted")
	}
	e.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 20)}
	e.Text = []string{"bus=0"}
	gw, ok := entryAddr(e)
	if !ok || gw.addr != "192.168.1.20:4876" || gw.instance != "gw-1" || len(gw.txt) != 1 {
		t.Fatalf("entry %+v %v", gw, ok)
	}
	e.AddrIPv4 = nil
	e.AddrIPv6 = []net.IP{net.ParseIP("2001:db8::7")}
	if gw, ok = entryAddr(e); !ok || gw.addr != "[2001:db8::7]:4876" {
		t.Fatalf("ipv6 entry %+v %v", gw, ok)
	}
}
