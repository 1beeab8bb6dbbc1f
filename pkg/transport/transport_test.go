package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
)

func TestFrameRoundTripOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	la := newTCPLink(a, nil)
	lb := newTCPLink(b, nil)

	want := cubemsg.Message{Src: 1, Dst: 2, Type: cubemsg.UnicastMsg, Data: []byte("payload")}
	done := make(chan error, 1)
	go func() { done <- la.WriteFrame(want) }()

	got, err := lb.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got.Src != want.Src || got.Dst != want.Dst || got.Type != want.Type || string(got.Data) != string(want.Data) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFrameRoundTripSealed(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	env, err := newEnvelope([]byte("0123456789abcdef")) // 16-byte AES-128 key
	if err != nil {
		t.Fatalf("newEnvelope: %v", err)
	}

	la := newTCPLink(a, env)
	lb := newTCPLink(b, env)

	want := cubemsg.Message{Src: cubeaddr.Invalid, Dst: 3, Type: cubemsg.ConnAnnExtOffer, Data: cubemsg.EncodeDim(2)}
	go la.WriteFrame(want)

	got, err := lb.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Dst != want.Dst || got.Type != want.Type {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// freeAddr picks an available local TCP address using
// golang.org/x/net/nettest, the ecosystem-standard way to avoid hard-coded
// ports (and the races of reusing one) in a dial/listen test.
func freeAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	defer ln.Close()
	addr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse local listener addr: %v", err)
	}
	return addr
}

func TestDialListenRealTCP(t *testing.T) {
	var d Dialer
	addr := freeAddr(t)

	ln, err := d.Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	boundAddr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	accepted := make(chan Link, 1)
	go func() {
		l, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- l
	}()

	client, err := d.Dial(boundAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server Link
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	defer server.Close()

	want := cubemsg.Message{Src: 0, Dst: 1, Type: cubemsg.UnicastMsg, Data: []byte("hi")}
	if err := client.WriteFrame(want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Src != want.Src || string(got.Data) != "hi" {
		t.Fatalf("got %+v", got)
	}
}
