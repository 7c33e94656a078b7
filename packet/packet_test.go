// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packet_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/outpost/lib/clock"
	"github.com/bureau-foundation/outpost/lib/testutil"
	"github.com/bureau-foundation/outpost/packet"
	"github.com/bureau-foundation/outpost/shellstate"
)

func TestFrameLineRoundTrip(t *testing.T) {
	ck := packet.MakeCommandKey("screen-1", "line-9")
	run := &packet.RunPacket{
		ReqID:   "req-1",
		CK:      ck,
		Command: "cd /tmp && ls",
		State: &shellstate.ShellState{
			Version:   shellstate.FormatVersion,
			ShellType: shellstate.ShellBash,
			Cwd:       "/home/u",
			Vars:      map[string]string{"A": "1"},
		},
		StatePtr:    &shellstate.ShellStatePtr{BaseHash: "abc", DiffHashArr: []string{"d1"}},
		ReturnState: true,
	}
	line, err := packet.FrameLine(run)
	if err != nil {
		t.Fatalf("FrameLine: %v", err)
	}
	if !bytes.HasPrefix(line, []byte("##")) || line[len(line)-1] != '\n' {
		t.Fatalf("frame %q is not a ## line", line)
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Fatal("frame contains an embedded newline")
	}

	parsed, err := packet.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	got, ok := parsed.(*packet.RunPacket)
	if !ok {
		t.Fatalf("parsed %T, want *RunPacket", parsed)
	}
	if got.CK != ck || got.Command != run.Command || !got.ReturnState {
		t.Errorf("parsed %+v", got)
	}
	if !got.State.Equal(run.State) || !got.StatePtr.Equal(run.StatePtr) {
		t.Errorf("state did not survive framing: %+v %+v", got.State, got.StatePtr)
	}
}

func TestDataPayloadIsBinarySafe(t *testing.T) {
	payload := []byte{0, '\n', 0xff, '#', '#', '\r'}
	line, err := packet.FrameLine(&packet.DataPacket{FdNum: 1, Data: payload, Eof: true})
	if err != nil {
		t.Fatalf("FrameLine: %v", err)
	}
	parsed, err := packet.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	data := parsed.(*packet.DataPacket)
	if !bytes.Equal(data.Data, payload) || !data.Eof || data.FdNum != 1 {
		t.Errorf("data packet = %+v", data)
	}
}

func TestParseLineSpecialForms(t *testing.T) {
	parsed, err := packet.ParseLine([]byte("##!notfound linux amd64\n"))
	if err != nil {
		t.Fatalf("ParseLine notfound: %v", err)
	}
	handshake, ok := parsed.(*packet.InitPacket)
	if !ok || !handshake.NotFound || handshake.UName != "linux|amd64" {
		t.Fatalf("notfound parsed as %#v", parsed)
	}
	osName, arch := handshake.OSArch()
	if osName != "linux" || arch != "amd64" {
		t.Errorf("OSArch = %s %s", osName, arch)
	}

	parsed, err = packet.ParseLine([]byte("Permission denied (publickey).\r\n"))
	if err != nil {
		t.Fatalf("ParseLine raw: %v", err)
	}
	if raw, ok := parsed.(*packet.RawPacket); !ok || raw.Data != "Permission denied (publickey)." {
		t.Errorf("raw line parsed as %#v", parsed)
	}

	if _, err := packet.ParseLine([]byte("##not-base64!!\n")); err == nil {
		t.Error("malformed frame did not fail")
	}
}

func TestCommandKey(t *testing.T) {
	ck, err := packet.ParseCommandKey("s1/l1")
	if err != nil || ck != packet.MakeCommandKey("s1", "l1") {
		t.Fatalf("ParseCommandKey = %v, %v", ck, err)
	}
	for _, bad := range []string{"", "s1", "/l1", "s1/", "a/b/c"} {
		if _, err := packet.ParseCommandKey(bad); err == nil {
			t.Errorf("ParseCommandKey(%q) accepted", bad)
		}
	}
	if err := packet.MakeCommandKey("s", "").Validate("run"); err == nil {
		t.Error("Validate accepted a key without a line id")
	}
}

// pipePeer connects a Conn to a test-controlled peer.
type pipePeer struct {
	conn       *packet.Conn
	peerReader *packet.Conn
	toConn     *io.PipeWriter
}

func newPipePeer(t *testing.T, fake *clock.FakeClock) *pipePeer {
	t.Helper()
	connIn, peerOut := io.Pipe()
	peerIn, connOut := io.Pipe()
	peer := &pipePeer{
		conn:       packet.NewConn(connIn, connOut, packet.ConnConfig{Clock: fake}),
		peerReader: packet.NewConn(peerIn, peerOut, packet.ConnConfig{}),
		toConn:     peerOut,
	}
	t.Cleanup(func() {
		peerOut.Close()
		connOut.Close()
	})
	return peer
}

func TestCallRoutesResponse(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	peer := newPipePeer(t, fake)

	type result struct {
		response packet.RPCResponse
		err      error
	}
	results := make(chan result, 1)
	go func() {
		response, err := peer.conn.Call(context.Background(), &packet.ReInitPacket{ReqID: "r1"}, 5*time.Second)
		results <- result{response, err}
	}()

	request := testutil.RequireReceive(t, peer.peerReader.Packets(), 5*time.Second, "reinit request")
	if reinit, ok := request.(*packet.ReInitPacket); !ok || reinit.ReqID != "r1" {
		t.Fatalf("peer received %#v", request)
	}
	// An unrelated packet arrives first and must not satisfy the call.
	if err := peer.peerReader.Send(&packet.MessagePacket{Message: "hello"}); err != nil {
		t.Fatalf("Send message: %v", err)
	}
	if err := peer.peerReader.Send(&packet.ResponsePacket{RespID: "r1", Success: true}); err != nil {
		t.Fatalf("Send response: %v", err)
	}

	got := testutil.RequireReceive(t, results, 5*time.Second, "call result")
	if got.err != nil {
		t.Fatalf("Call: %v", got.err)
	}
	if response := got.response.(*packet.ResponsePacket); !response.Success {
		t.Errorf("response = %+v", response)
	}
	message := testutil.RequireReceive(t, peer.conn.Packets(), 5*time.Second, "message")
	if m, ok := message.(*packet.MessagePacket); !ok || m.Message != "hello" {
		t.Errorf("Packets delivered %#v", message)
	}
}

func TestCallTimeout(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	peer := newPipePeer(t, fake)

	errs := make(chan error, 1)
	go func() {
		_, err := peer.conn.Call(context.Background(), &packet.RunPacket{ReqID: "r2"}, 5*time.Second)
		errs <- err
	}()
	testutil.RequireReceive(t, peer.peerReader.Packets(), 5*time.Second, "run request")
	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)

	err := testutil.RequireReceive(t, errs, 5*time.Second, "call error")
	if !errors.Is(err, packet.ErrRPCTimeout) {
		t.Fatalf("Call error = %v, want ErrRPCTimeout", err)
	}

	// The late response is no longer claimed and surfaces on Packets.
	if err := peer.peerReader.Send(&packet.CmdStartPacket{RespID: "r2", Pid: 42}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	late := testutil.RequireReceive(t, peer.conn.Packets(), 5*time.Second, "late response")
	if start, ok := late.(*packet.CmdStartPacket); !ok || start.Pid != 42 {
		t.Errorf("late packet = %#v", late)
	}
}

func TestCallStreamClosed(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	peer := newPipePeer(t, fake)

	errs := make(chan error, 1)
	go func() {
		_, err := peer.conn.Call(context.Background(), &packet.RunPacket{ReqID: "r3"}, time.Minute)
		errs <- err
	}()
	testutil.RequireReceive(t, peer.peerReader.Packets(), 5*time.Second, "run request")
	peer.toConn.Close()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "call error")
	if !errors.Is(err, packet.ErrConnClosed) {
		t.Fatalf("Call error = %v, want ErrConnClosed", err)
	}
	testutil.RequireClosed(t, peer.conn.Done(), 5*time.Second, "conn done")
}

func TestMalformedFrameBecomesRaw(t *testing.T) {
	r := strings.NewReader("plain text\n##%%%\n")
	conn := packet.NewConn(r, io.Discard, packet.ConnConfig{})
	first := testutil.RequireReceive(t, conn.Packets(), 5*time.Second, "first")
	if raw, ok := first.(*packet.RawPacket); !ok || raw.Data != "plain text" {
		t.Errorf("first = %#v", first)
	}
	second := testutil.RequireReceive(t, conn.Packets(), 5*time.Second, "second")
	if raw, ok := second.(*packet.RawPacket); !ok || !strings.HasPrefix(raw.Data, "[malformed packet") {
		t.Errorf("second = %#v", second)
	}
	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "EOF")
}
