// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package packet defines the messages exchanged between the front-end
// and outpost-helper, and the line framing that carries them over a
// subprocess or SSH pipe.
//
// Every packet is a CBOR envelope {type, body} written as a single line:
// "##" followed by the standard base64 encoding of the envelope and a
// newline. Anything else on the stream (shell noise before the helper
// starts, error text from ssh) arrives as a [RawPacket]. The bootstrap
// snippet that looks for the helper prints "##!notfound <os> <arch>"
// when it is missing; that line parses to an [InitPacket] with
// NotFound set.
package packet

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/outpost/shellstate"
)

// Packet type tags.
const (
	TypeInit     = "init"
	TypeRun      = "run"
	TypeCmdStart = "cmdstart"
	TypeData     = "data"
	TypeDataAck  = "dataack"
	TypeCmdDone  = "cmddone"
	TypeCmdFinal = "cmdfinal"
	TypeMessage  = "message"
	TypeRaw      = "raw"
	TypeResponse = "response"
	TypeInput    = "input"
	TypeReInit   = "reinit"
)

// Packet is implemented by every message type.
type Packet interface {
	PacketType() string
}

// RPCRequest is a packet answered by exactly one response carrying the
// same request id.
type RPCRequest interface {
	Packet
	GetReqID() string
}

// RPCResponse is a packet that answers an RPCRequest.
type RPCResponse interface {
	Packet
	GetRespID() string
}

// Commander is a packet addressed to a running command.
type Commander interface {
	Packet
	GetCK() CommandKey
}

// CommandKey identifies one command: the screen it belongs to and its
// line id. It is the correlation key for every command packet.
type CommandKey struct {
	ScreenID string `cbor:"screenid" json:"screenid"`
	LineID   string `cbor:"lineid" json:"lineid"`
}

// MakeCommandKey builds a key from its parts.
func MakeCommandKey(screenID, lineID string) CommandKey {
	return CommandKey{ScreenID: screenID, LineID: lineID}
}

// ParseCommandKey parses the "screen/line" form produced by String.
func ParseCommandKey(s string) (CommandKey, error) {
	screen, line, ok := strings.Cut(s, "/")
	if !ok || screen == "" || line == "" || strings.Contains(line, "/") {
		return CommandKey{}, fmt.Errorf("invalid command key %q: want screen/line", s)
	}
	return CommandKey{ScreenID: screen, LineID: line}, nil
}

func (ck CommandKey) String() string {
	return ck.ScreenID + "/" + ck.LineID
}

// IsEmpty reports whether ck has no screen and no line.
func (ck CommandKey) IsEmpty() bool {
	return ck.ScreenID == "" && ck.LineID == ""
}

// Validate rejects keys with a missing part.
func (ck CommandKey) Validate(context string) error {
	if ck.ScreenID == "" || ck.LineID == "" {
		return fmt.Errorf("%s: incomplete command key %q", context, ck.String())
	}
	return nil
}

// RemotePtr names the remote a screen talks to. OwnerID scopes a
// remote to a user; Name is the display alias.
type RemotePtr struct {
	OwnerID  string `cbor:"ownerid,omitempty" json:"ownerid,omitempty"`
	RemoteID string `cbor:"remoteid" json:"remoteid"`
	Name     string `cbor:"name,omitempty" json:"name,omitempty"`
}

func (p RemotePtr) String() string {
	s := p.RemoteID
	if p.OwnerID != "" {
		s = p.OwnerID + ":" + s
	}
	if p.Name != "" {
		s += ":" + p.Name
	}
	return s
}

// WinSize is a terminal size.
type WinSize struct {
	Rows int `cbor:"rows" json:"rows"`
	Cols int `cbor:"cols" json:"cols"`
}

// InitPacket is the helper's handshake. It is also synthesized from the
// "##!notfound" line when no helper is installed.
type InitPacket struct {
	NotFound  bool                   `cbor:"notfound,omitempty"`
	Version   string                 `cbor:"version,omitempty"`
	BuildTime string                 `cbor:"buildtime,omitempty"`
	UName     string                 `cbor:"uname,omitempty"`
	Shell     string                 `cbor:"shell,omitempty"`
	HostName  string                 `cbor:"hostname,omitempty"`
	User      string                 `cbor:"user,omitempty"`
	HomeDir   string                 `cbor:"homedir,omitempty"`
	State     *shellstate.ShellState `cbor:"state,omitempty"`
}

func (*InitPacket) PacketType() string { return TypeInit }

// OSArch splits UName ("os|arch").
func (p *InitPacket) OSArch() (string, string) {
	osName, arch, _ := strings.Cut(p.UName, "|")
	return osName, arch
}

// RunPacket asks the helper to start a command. State is the fully
// resolved starting state with markers injected; StatePtr is the
// pointer it was resolved from, echoed back on any returned diff.
type RunPacket struct {
	ReqID       string                    `cbor:"reqid"`
	CK          CommandKey                `cbor:"ck"`
	Command     string                    `cbor:"command"`
	State       *shellstate.ShellState    `cbor:"state,omitempty"`
	StatePtr    *shellstate.ShellStatePtr `cbor:"stateptr,omitempty"`
	WinSize     *WinSize                  `cbor:"winsize,omitempty"`
	UsePty      bool                      `cbor:"usepty,omitempty"`
	ReturnState bool                      `cbor:"returnstate,omitempty"`
	Ephemeral   bool                      `cbor:"ephemeral,omitempty"`
}

func (*RunPacket) PacketType() string  { return TypeRun }
func (p *RunPacket) GetReqID() string  { return p.ReqID }
func (p *RunPacket) GetCK() CommandKey { return p.CK }

// CmdStartPacket confirms that a command is running.
type CmdStartPacket struct {
	RespID string     `cbor:"respid"`
	CK     CommandKey `cbor:"ck"`
	Pid    int        `cbor:"pid"`
}

func (*CmdStartPacket) PacketType() string  { return TypeCmdStart }
func (p *CmdStartPacket) GetRespID() string { return p.RespID }
func (p *CmdStartPacket) GetCK() CommandKey { return p.CK }

// DataPacket carries bytes for one descriptor of a command. Eof closes
// the destination after Data is written. Error reports that the source
// failed; the destination is closed.
type DataPacket struct {
	CK    CommandKey `cbor:"ck"`
	FdNum int        `cbor:"fdnum"`
	Data  []byte     `cbor:"data,omitempty"`
	Eof   bool       `cbor:"eof,omitempty"`
	Error string     `cbor:"error,omitempty"`
}

func (*DataPacket) PacketType() string  { return TypeData }
func (p *DataPacket) GetCK() CommandKey { return p.CK }

// DataAckPacket acknowledges AckLen bytes of a descriptor.
type DataAckPacket struct {
	CK     CommandKey `cbor:"ck"`
	FdNum  int        `cbor:"fdnum"`
	AckLen int        `cbor:"acklen"`
	Error  string     `cbor:"error,omitempty"`
}

func (*DataAckPacket) PacketType() string  { return TypeDataAck }
func (p *DataAckPacket) GetCK() CommandKey { return p.CK }

// CmdDonePacket reports exit. At most one of FinalState and
// FinalStateDiff is set, and only for commands run with ReturnState.
type CmdDonePacket struct {
	CK             CommandKey                 `cbor:"ck"`
	Ts             int64                      `cbor:"ts"`
	ExitCode       int                        `cbor:"exitcode"`
	DurationMs     int64                      `cbor:"durationms"`
	FinalState     *shellstate.ShellState     `cbor:"finalstate,omitempty"`
	FinalStateDiff *shellstate.ShellStateDiff `cbor:"finalstatediff,omitempty"`
}

func (*CmdDonePacket) PacketType() string  { return TypeCmdDone }
func (p *CmdDonePacket) GetCK() CommandKey { return p.CK }

// CmdFinalPacket is sent when the helper tears a command down. It is a
// safety net: a command still marked running is forced to hangup.
type CmdFinalPacket struct {
	CK    CommandKey `cbor:"ck"`
	Error string     `cbor:"error,omitempty"`
}

func (*CmdFinalPacket) PacketType() string  { return TypeCmdFinal }
func (p *CmdFinalPacket) GetCK() CommandKey { return p.CK }

// MessagePacket is diagnostic text from the helper.
type MessagePacket struct {
	CK      CommandKey `cbor:"ck,omitempty"`
	Message string     `cbor:"message"`
}

func (*MessagePacket) PacketType() string { return TypeMessage }

// RawPacket is a non-packet line seen on the stream.
type RawPacket struct {
	Data string `cbor:"data"`
}

func (*RawPacket) PacketType() string { return TypeRaw }

// ResponsePacket answers an RPC. State is set by reinit.
type ResponsePacket struct {
	RespID  string                 `cbor:"respid"`
	Success bool                   `cbor:"success"`
	Error   string                 `cbor:"error,omitempty"`
	State   *shellstate.ShellState `cbor:"state,omitempty"`
}

func (*ResponsePacket) PacketType() string  { return TypeResponse }
func (p *ResponsePacket) GetRespID() string { return p.RespID }

// Err converts an unsuccessful response into an error.
func (p *ResponsePacket) Err() error {
	if p.Success {
		return nil
	}
	if p.Error == "" {
		return fmt.Errorf("request %s failed", p.RespID)
	}
	return fmt.Errorf("%s", p.Error)
}

// InputPacket sends a signal or a window size change to a command.
type InputPacket struct {
	CK      CommandKey `cbor:"ck"`
	SigName string     `cbor:"signame,omitempty"`
	WinSize *WinSize   `cbor:"winsize,omitempty"`
}

func (*InputPacket) PacketType() string  { return TypeInput }
func (p *InputPacket) GetCK() CommandKey { return p.CK }

// ReInitPacket asks the helper for a fresh login-shell state.
type ReInitPacket struct {
	ReqID     string `cbor:"reqid"`
	ShellType string `cbor:"shelltype,omitempty"`
}

func (*ReInitPacket) PacketType() string { return TypeReInit }
func (p *ReInitPacket) GetReqID() string { return p.ReqID }

func newPacket(packetType string) (Packet, error) {
	switch packetType {
	case TypeInit:
		return &InitPacket{}, nil
	case TypeRun:
		return &RunPacket{}, nil
	case TypeCmdStart:
		return &CmdStartPacket{}, nil
	case TypeData:
		return &DataPacket{}, nil
	case TypeDataAck:
		return &DataAckPacket{}, nil
	case TypeCmdDone:
		return &CmdDonePacket{}, nil
	case TypeCmdFinal:
		return &CmdFinalPacket{}, nil
	case TypeMessage:
		return &MessagePacket{}, nil
	case TypeRaw:
		return &RawPacket{}, nil
	case TypeResponse:
		return &ResponsePacket{}, nil
	case TypeInput:
		return &InputPacket{}, nil
	case TypeReInit:
		return &ReInitPacket{}, nil
	}
	return nil, fmt.Errorf("unknown packet type %q", packetType)
}
