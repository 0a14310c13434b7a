package zeo

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Tid is an opaque, totally ordered transaction identifier.
type Tid uint64

// Oid is an opaque persistent-object identifier.
type Oid uint64

// MsgID identifies one outgoing call scoped to a single Protocol.
// Ordinary calls get a monotonically increasing positive integer.
// Coalesced load-before calls are keyed in the pending table by a
// structural key (see loadBeforeKey); the frame they put on the wire
// still carries an ordinary MsgID, which maps back to that key through
// a loadBeforeRef entry.
type MsgID int64

// replyMethod is the sentinel method name a reply frame carries.
const replyMethod = ".reply"

// ExceptionPayload is how a failed reply is shaped on the wire: a
// named exception class plus an opaque payload. spec.md §9 flags the
// "first element is an exception type" heuristic as legacy; we key off
// this explicit tag instead, carried by the codec rather than by
// runtime-typing the first element of a decoded tuple.
type ExceptionPayload struct {
	Class   string
	Payload []byte
}

// Frame is the decoded shape of one wire message: (message_id, is_async,
// method_name, args). Replies use Method == ".reply"; a successful
// reply carries its payload in Args, a failed one carries an
// ExceptionPayload in Fail (see Codec.Encode/Decode).
type Frame struct {
	MsgID   int64
	IsAsync bool
	Method  string
	Args    []byte

	// Fail is set on a failed reply. GobCodec transmits it as its own
	// field of the frame envelope, so reply dispatch never decodes Args
	// to find out whether a reply failed.
	Fail *ExceptionPayload
}

func (f Frame) isReply() bool { return f.Method == replyMethod }

// Codec serializes and deserializes frames over a length-framed byte
// stream. The wire codec is an external collaborator (spec.md §1,§6);
// GobCodec below is the one concrete default, built on stdlib
// encoding/gob precisely because the spec declares the codec opaque
// and out of scope — no third-party wire format is implied.
type Codec interface {
	Encode(f Frame) ([]byte, error)
	Decode(b []byte) (Frame, error)
	// EncodeArgs/DecodeArgs marshal the method-call argument list
	// itself, independent of frame envelope.
	EncodeArgs(args ...interface{}) ([]byte, error)
	DecodeArgs(b []byte, out ...interface{}) error
}

// GobCodec is the default Codec, using encoding/gob for both the frame
// envelope and call arguments.
type GobCodec struct{}

type wireFrame struct {
	MsgID   int64
	IsAsync bool
	Method  string
	Args    []byte
	Fail    *ExceptionPayload
}

func (GobCodec) Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	wf := wireFrame{MsgID: f.MsgID, IsAsync: f.IsAsync, Method: f.Method, Args: f.Args, Fail: f.Fail}
	if err := gob.NewEncoder(&buf).Encode(&wf); err != nil {
		return nil, fmt.Errorf("zeo: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(b []byte) (Frame, error) {
	var wf wireFrame
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&wf); err != nil {
		return Frame{}, fmt.Errorf("zeo: decode frame: %w", err)
	}
	return Frame{MsgID: wf.MsgID, IsAsync: wf.IsAsync, Method: wf.Method, Args: wf.Args, Fail: wf.Fail}, nil
}

func (GobCodec) EncodeArgs(args ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, a := range args {
		if err := enc.Encode(a); err != nil {
			return nil, fmt.Errorf("zeo: encode args: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (GobCodec) DecodeArgs(b []byte, out ...interface{}) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	for _, o := range out {
		if err := dec.Decode(o); err != nil {
			return fmt.Errorf("zeo: decode args: %w", err)
		}
	}
	return nil
}

// heartbeatMsgID is the sentinel message id used on the constant
// heartbeat frame (spec §6: "(max_msg_id, true, '.reply', null)").
const heartbeatMsgID = int64(^uint64(0) >> 1) // max int64, i.e. "max_msg_id"
