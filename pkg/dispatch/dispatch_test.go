package dispatch

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/nettest"
	"github.com/rs/zerolog"

	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/transport"
)

func linkPair(t *testing.T) (transport.Link, transport.Link) {
	t.Helper()
	var d transport.Dialer

	probe, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	addr, err := netip.ParseAddrPort(probe.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	probe.Close()

	ln, err := d.Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	boundAddr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	accepted := make(chan transport.Link, 1)
	go func() {
		l, err := ln.Accept()
		if err == nil {
			accepted <- l
		}
	}()

	client, err := d.Dial(boundAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case server := <-accepted:
		return client, server
	case <-time.After(2 * time.Second):
		t.Fatal("timed out accepting")
		return nil, nil
	}
}

func TestDispatcherRoundTrip(t *testing.T) {
	client, server := linkPair(t)
	defer client.Close()
	defer server.Close()

	d := New(zerolog.Nop())
	cid := d.Add(client)
	sid := d.Add(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan struct {
		id  LinkID
		msg cubemsg.Message
	}, 1)
	go d.Run(ctx, func(id LinkID, m cubemsg.Message) {
		received <- struct {
			id  LinkID
			msg cubemsg.Message
		}{id, m}
	}, func(LinkID, error) {})

	want := cubemsg.Message{Src: 1, Dst: 2, Type: cubemsg.UnicastMsg, Data: []byte("hi")}
	if err := d.Send(cid, want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.id != sid {
			t.Fatalf("event arrived tagged with link %d, want %d", got.id, sid)
		}
		if string(got.msg.Data) != "hi" {
			t.Fatalf("got %+v", got.msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}
}

func TestDispatcherClosedNotifiesOnce(t *testing.T) {
	client, server := linkPair(t)
	defer server.Close()

	d := New(zerolog.Nop())
	cid := d.Add(client)
	d.Add(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closedCh := make(chan LinkID, 1)
	go d.Run(ctx, func(LinkID, cubemsg.Message) {}, func(id LinkID, err error) {
		closedCh <- id
	})

	client.Close()

	select {
	case id := <-closedCh:
		if id != cid {
			t.Fatalf("closed notification for %d, want %d", id, cid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for closed notification")
	}
}

func TestSendQueueFullDropsRatherThanBlocks(t *testing.T) {
	client, server := linkPair(t)
	defer client.Close()
	defer server.Close()

	d := New(zerolog.Nop())
	cid := d.Add(client)
	d.Add(server)
	// No Run goroutine draining server reads: the peer's TCP receive buffer
	// will eventually back up, and then our outbound queue, so Send must
	// start failing instead of blocking forever.
	var lastErr error
	for i := 0; i < sendQueueLen*4; i++ {
		lastErr = d.Send(cid, cubemsg.Message{Src: 1, Dst: 2, Type: cubemsg.UnicastMsg, Data: make([]byte, 4096)})
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected Send to eventually report a full queue")
	}
}
