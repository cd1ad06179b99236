package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed framed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Encode serializes an envelope to JSON. Encoding never fails for well-formed
// envelopes built through this package.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope. It fails with a *DecodeError when
// required fields are missing, the declared version is unsupported, the type
// is unrecognized, or the type-specific payload is absent.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if env.V != Version {
		return nil, &DecodeError{
			Reason:          fmt.Sprintf("unsupported protocol version %d", env.V),
			VersionMismatch: true,
		}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing message type"}
	}
	if !env.Type.known() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unrecognized message type %q", env.Type)}
	}
	if env.Type.scoped() && env.ID == "" {
		return nil, &DecodeError{Reason: fmt.Sprintf("message type %q requires an execution id", env.Type)}
	}
	if err := validatePayload(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// validatePayload checks that the payload field matching the envelope type is
// present. Types without a body (cancel, ping, ack) carry no payload.
func validatePayload(env *Envelope) *DecodeError {
	missing := func(field string) *DecodeError {
		return &DecodeError{Reason: fmt.Sprintf("%s envelope missing %s payload", env.Type, field)}
	}
	switch env.Type {
	case TypeExecute:
		if env.Execute == nil {
			return missing("execute")
		}
		if env.Execute.Language == "" {
			return &DecodeError{Reason: "execute envelope missing language"}
		}
	case TypeStatus:
		if env.Status == nil {
			return missing("status")
		}
	case TypeStdout:
		if env.Stdout == nil {
			return missing("stdout")
		}
	case TypeStderr:
		if env.Stderr == nil {
			return missing("stderr")
		}
	case TypeResult:
		if env.Result == nil {
			return missing("result")
		}
	case TypeError:
		if env.Err == nil {
			return missing("error")
		}
	}
	return nil
}

// Framer carries envelopes over some duplex transport. Read returns
// *DecodeError for invalid envelopes and transport errors (including io.EOF)
// otherwise. Implementations must support one concurrent reader and one
// concurrent writer; callers serialize writes.
type Framer interface {
	Read() (*Envelope, error)
	Write(env *Envelope) error
	Close() error
}

// StreamFramer frames envelopes over a byte stream with a 4-byte big-endian
// length prefix followed by the JSON payload.
type StreamFramer struct {
	rw io.ReadWriteCloser
}

// NewStreamFramer wraps a reliable ordered byte stream (TCP, vsock, unix,
// net.Pipe) in length-prefixed envelope framing.
func NewStreamFramer(rw io.ReadWriteCloser) *StreamFramer {
	return &StreamFramer{rw: rw}
}

func (f *StreamFramer) Read() (*Envelope, error) {
	var length uint32
	if err := binary.Read(f.rw, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(f.rw, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return Decode(data)
}

func (f *StreamFramer) Write(env *Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := binary.Write(f.rw, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := f.rw.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func (f *StreamFramer) Close() error {
	return f.rw.Close()
}
