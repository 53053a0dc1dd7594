package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the message content.
// This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message struct
// with the specified direction and current timestamp.
//
// If decoding fails, returns an error. For passthrough scenarios where
// the raw bytes should be preserved even on decode failure, callers can
// construct a Message manually.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// InjectWarrant returns a copy of the request frame with the warrant token
// set under params.arguments[WarrantParam]. All other fields, including the
// raw id bytes, are preserved verbatim.
func InjectWarrant(raw []byte, token string) ([]byte, error) {
	top, params, args, err := splitToolCallFrame(raw)
	if err != nil {
		return nil, err
	}

	args[WarrantParam] = token
	return joinToolCallFrame(top, params, args)
}

// StripWarrant removes the reserved warrant key from a request frame's
// arguments. Returns the input unchanged when the key is absent, so the
// common path never re-encodes.
func StripWarrant(raw []byte) ([]byte, error) {
	if !bytes.Contains(raw, []byte(WarrantParam)) {
		return raw, nil
	}

	top, params, args, err := splitToolCallFrame(raw)
	if err != nil {
		return nil, err
	}

	delete(args, WarrantParam)
	return joinToolCallFrame(top, params, args)
}

// ScrubWarrantEcho removes any occurrence of the warrant key from a
// response's result subtree. Backends never echo the key under normal
// operation; this guards against one that does.
func ScrubWarrantEcho(raw []byte) ([]byte, error) {
	if !bytes.Contains(raw, []byte(WarrantParam)) {
		return raw, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	encResult, ok := top["result"]
	if !ok || len(encResult) == 0 {
		return raw, nil
	}

	var result interface{}
	if err := json.Unmarshal(encResult, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	scrubbed, err := json.Marshal(deleteKeyDeep(result, WarrantParam))
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	top["result"] = scrubbed

	return json.Marshal(top)
}

// NewTextResult builds a tools/call success frame carrying a single text
// content block, keyed by the raw request id bytes.
func NewTextResult(id json.RawMessage, text string) ([]byte, error) {
	return NewResult(id, map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": text},
		},
	})
}

// NewResult builds a JSON-RPC success frame with the given result object,
// keyed by the raw request id bytes.
func NewResult(id json.RawMessage, result interface{}) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	frame := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode result frame: %w", err)
	}
	return b, nil
}

// splitToolCallFrame decomposes a request frame into its top-level fields,
// params fields, and decoded arguments. The top-level and params maps hold
// json.RawMessage values so untouched fields (notably the id) survive
// re-encoding byte for byte.
func splitToolCallFrame(raw []byte) (top, params map[string]json.RawMessage, args map[string]interface{}, err error) {
	if err = json.Unmarshal(raw, &top); err != nil {
		return nil, nil, nil, fmt.Errorf("decode frame: %w", err)
	}

	params = map[string]json.RawMessage{}
	if enc, ok := top["params"]; ok && len(enc) > 0 && !bytes.Equal(enc, []byte("null")) {
		if err = json.Unmarshal(enc, &params); err != nil {
			return nil, nil, nil, fmt.Errorf("decode params: %w", err)
		}
	}

	args = map[string]interface{}{}
	if enc, ok := params["arguments"]; ok && len(enc) > 0 && !bytes.Equal(enc, []byte("null")) {
		if err = json.Unmarshal(enc, &args); err != nil {
			return nil, nil, nil, fmt.Errorf("decode arguments: %w", err)
		}
	}

	return top, params, args, nil
}

// joinToolCallFrame reassembles a frame decomposed by splitToolCallFrame.
func joinToolCallFrame(top, params map[string]json.RawMessage, args map[string]interface{}) ([]byte, error) {
	encArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	params["arguments"] = encArgs

	encParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	top["params"] = encParams

	return json.Marshal(top)
}

// deleteKeyDeep removes key from every map reachable from v.
func deleteKeyDeep(v interface{}, key string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		delete(t, key)
		for k, child := range t {
			t[k] = deleteKeyDeep(child, key)
		}
		return t
	case []interface{}:
		for i, child := range t {
			t[i] = deleteKeyDeep(child, key)
		}
		return t
	default:
		return v
	}
}
