package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"mushroom/message"
)

// JSONCodec encodes each message as a JSON array, e.g. [1, 0, "chat", {"text":"hi"}].
// It is the framing used by both the websocket and the poll transport.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m message.Message) ([]byte, error) {
	b, err := json.Marshal(m.List())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Code(), err)
	}
	return b, nil
}

func (c *JSONCodec) EncodeBatch(msgs []message.Message) ([]byte, error) {
	lists := make([][]any, len(msgs))
	for i, m := range msgs {
		lists[i] = m.List()
	}
	b, err := json.Marshal(lists)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return b, nil
}

func (c *JSONCodec) DecodeBatch(body []byte) ([]json.RawMessage, error) {
	var frames []json.RawMessage
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, fmt.Errorf("%w: batch is not an array: %v", message.ErrMalformedFrame, err)
	}
	return frames, nil
}

// Decode dispatches on the first element of the frame.
func (c *JSONCodec) Decode(frame []byte) (message.Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrMalformedFrame, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty frame", message.ErrMalformedFrame)
	}
	var code message.Code
	if err := json.Unmarshal(fields[0], &code); err != nil || isNull(fields[0]) {
		return nil, fmt.Errorf("%w: code %s is not an integer", message.ErrMalformedFrame, fields[0])
	}

	switch code {
	case message.CodeHeartbeat:
		return decodeHeartbeat(fields)
	case message.CodeNotification, message.CodeRequest:
		return decodeInvocation(code, fields)
	case message.CodeResponse, message.CodeError:
		return decodeReply(code, fields)
	case message.CodeDisconnect:
		return &message.Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", message.ErrUnsupportedMessageKind, int(code))
	}
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func decodeHeartbeat(fields []json.RawMessage) (message.Message, error) {
	hb := &message.Heartbeat{}
	if len(fields) < 2 || isNull(fields[1]) {
		return hb, nil
	}
	var last int64
	if err := json.Unmarshal(fields[1], &last); err != nil {
		return nil, fmt.Errorf("%w: heartbeat last id: %v", message.ErrMalformedFrame, err)
	}
	hb.LastMessageID = &last
	return hb, nil
}

// decodeInvocation handles [code, id, method, data?].
func decodeInvocation(code message.Code, fields []json.RawMessage) (message.Message, error) {
	if len(fields) < 3 || len(fields) > 4 {
		return nil, fmt.Errorf("%w: %s needs 3 or 4 fields, got %d", message.ErrMalformedFrame, code, len(fields))
	}
	id, err := decodeID(fields[1])
	if err != nil {
		return nil, err
	}
	var method string
	if err := json.Unmarshal(fields[2], &method); err != nil {
		return nil, fmt.Errorf("%w: method: %v", message.ErrMalformedFrame, err)
	}
	data := dataField(fields, 3)
	if code == message.CodeRequest {
		return &message.Request{ID: id, Method: method, Data: data}, nil
	}
	return &message.Notification{ID: id, Method: method, Data: data}, nil
}

// decodeReply handles [code, id, requestId, data?].
func decodeReply(code message.Code, fields []json.RawMessage) (message.Message, error) {
	if len(fields) < 3 || len(fields) > 4 {
		return nil, fmt.Errorf("%w: %s needs 3 or 4 fields, got %d", message.ErrMalformedFrame, code, len(fields))
	}
	id, err := decodeID(fields[1])
	if err != nil {
		return nil, err
	}
	requestID, err := decodeID(fields[2])
	if err != nil {
		return nil, err
	}
	data := dataField(fields, 3)
	if code == message.CodeError {
		return &message.Error{ID: id, RequestID: requestID, Data: data}, nil
	}
	return &message.Response{ID: id, RequestID: requestID, Data: data}, nil
}

func decodeID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil || isNull(raw) {
		return 0, fmt.Errorf("%w: message id %s", message.ErrMalformedFrame, raw)
	}
	if id < 0 {
		return 0, fmt.Errorf("%w: negative message id %d", message.ErrMalformedFrame, id)
	}
	return id, nil
}

// dataField returns fields[i] as a standalone copy, nil when absent or null.
func dataField(fields []json.RawMessage, i int) json.RawMessage {
	if len(fields) <= i || isNull(fields[i]) {
		return nil
	}
	return append(json.RawMessage(nil), fields[i]...)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
