package events

import (
	"context"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	idx := uint64(7)
	evt := New(TransactionExecuted, 1700000000)
	evt.Wallet = "wallet"
	evt.Index = &idx
	evt.Attrs = map[string]string{"executor": "owner"}
	raw, err := Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != evt.ID || got.Type != TransactionExecuted || got.Index == nil || *got.Index != 7 || got.Attrs["executor"] != "owner" {
		t.Fatalf("unexpected decoded event: %+v", got)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00}); err == nil {
		t.Fatal("expected decode error")
	}
	raw, _ := Encode(Event{ID: "x"})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected missing type error")
	}
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a, b := New(WalletCreated, 1), New(WalletCreated, 1)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected unique ids, got %q %q", a.ID, b.ID)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	var seen int
	ok := SinkFunc(func(_ context.Context, evts ...Event) error { seen += len(evts); return nil })
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, ...Event) error { return boom })
	err := Multi{ok, nil, failing, ok}.Publish(context.Background(), New(WalletLocked, 1))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined boom, got %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected both healthy sinks to receive the event, got %d", seen)
	}
	if err := Discard.Publish(context.Background(), New(WalletLocked, 1)); err != nil {
		t.Fatalf("discard: %v", err)
	}
}
