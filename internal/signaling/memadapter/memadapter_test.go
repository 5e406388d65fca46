package memadapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerns/peerns/internal/signaling"
	"github.com/peerns/peerns/internal/signaling/memadapter"
)

func TestClaimThenConnectDelivers(t *testing.T) {
	dir := memadapter.NewDirectory()
	router := memadapter.New(dir)
	peer := memadapter.New(dir)

	sess, err := router.Claim(context.Background(), "pfx-1-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	defer sess.Close()

	ch, err := peer.Connect(context.Background(), "pfx-1-1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Close()

	var inbound signaling.Channel
	select {
	case inbound = <-sess.Accept():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound channel")
	}

	if err := ch.Send([]byte(`{"type":"checkin"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case data := <-inbound.Data():
		if string(data) != `{"type":"checkin"}` {
			t.Fatalf("unexpected payload: %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestClaimConflict(t *testing.T) {
	dir := memadapter.NewDirectory()
	a := memadapter.New(dir)
	b := memadapter.New(dir)

	sess, err := a.Claim(context.Background(), "pfx-1-1")
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	defer sess.Close()

	if _, err := b.Claim(context.Background(), "pfx-1-1"); !errors.Is(err, signaling.ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken, got %v", err)
	}
}

func TestConnectToUnclaimedEndpointFails(t *testing.T) {
	dir := memadapter.NewDirectory()
	a := memadapter.New(dir)

	if _, err := a.Connect(context.Background(), "pfx-nobody-1"); !errors.Is(err, signaling.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestClaimReleasedAfterClose(t *testing.T) {
	dir := memadapter.NewDirectory()
	a := memadapter.New(dir)
	b := memadapter.New(dir)

	sess, err := a.Claim(context.Background(), "pfx-1-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sess2, err := b.Claim(context.Background(), "pfx-1-1")
	if err != nil {
		t.Fatalf("expected re-claim to succeed after release: %v", err)
	}
	defer sess2.Close()
}
