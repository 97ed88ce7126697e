package enclave

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/wire"
)

func TestSpawnAgainstSimulator(t *testing.T) {
	d, err := Spawn(context.Background(), zerolog.Nop(), SimulatorSpawner(), SpawnOptions{
		Image:        "veracruz-sim",
		PolicyJSON:   []byte(`{"policy":"test"}`),
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer d.Close(context.Background())

	reply, err := d.Send(context.Background(), &wire.Message{Tag: wire.TagGetEnclaveName})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Tag != wire.TagEnclaveName || reply.Name != "veracruz-sim" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestDriverSendAfterCloseFails(t *testing.T) {
	d, err := Spawn(context.Background(), zerolog.Nop(), SimulatorSpawner(), SpawnOptions{
		Image:        "veracruz-sim",
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.Send(context.Background(), &wire.Message{Tag: wire.TagGetEnclaveName}); err == nil {
		t.Fatal("expected error sending on closed driver")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d, err := Spawn(context.Background(), zerolog.Nop(), SimulatorSpawner(), SpawnOptions{
		Image:        "veracruz-sim",
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestNewTLSSessionAndDataRoundTrip(t *testing.T) {
	d, err := Spawn(context.Background(), zerolog.Nop(), SimulatorSpawner(), SpawnOptions{
		Image:        "veracruz-sim",
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer d.Close(context.Background())

	ctx := context.Background()
	sessReply, err := d.Send(ctx, &wire.Message{Tag: wire.TagNewTLSSession})
	if err != nil {
		t.Fatalf("NewTLSSession: %v", err)
	}
	if sessReply.Tag != wire.TagTLSSession || sessReply.SessionID == 0 {
		t.Fatalf("unexpected NewTLSSession reply: %+v", sessReply)
	}

	sendReply, err := d.Send(ctx, &wire.Message{
		Tag:       wire.TagSendTLSData,
		SessionID: sessReply.SessionID,
		Data:      []byte("client-hello"),
	})
	if err != nil || sendReply.Status != wire.StatusSuccess {
		t.Fatalf("SendTLSData: reply=%+v err=%v", sendReply, err)
	}

	neededReply, err := d.Send(ctx, &wire.Message{Tag: wire.TagGetTLSDataNeeded, SessionID: sessReply.SessionID})
	if err != nil || !neededReply.TLSDataNeeded {
		t.Fatalf("expected TLSDataNeeded=true, got %+v err=%v", neededReply, err)
	}

	dataReply, err := d.Send(ctx, &wire.Message{Tag: wire.TagGetTLSData, SessionID: sessReply.SessionID})
	if err != nil {
		t.Fatalf("GetTLSData: %v", err)
	}
	if string(dataReply.Data) != "client-hello" {
		t.Fatalf("got %q, want %q", dataReply.Data, "client-hello")
	}
}

func TestGetAttestationTokenFromSimulator(t *testing.T) {
	d, err := Spawn(context.Background(), zerolog.Nop(), SimulatorSpawner(), SpawnOptions{
		Image:        "veracruz-sim",
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer d.Close(context.Background())

	var challenge [32]byte
	reply, err := d.Send(context.Background(), &wire.Message{Tag: wire.TagGetAttestationToken, Challenge: challenge})
	if err != nil {
		t.Fatalf("GetAttestationToken: %v", err)
	}
	if reply.Tag != wire.TagAttestationToken || len(reply.Token) < 118 {
		t.Fatalf("unexpected token reply: %+v", reply)
	}
}
