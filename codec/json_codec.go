package codec

import (
	"encoding/json"

	"jsonrpc-ws/message"
)

var emptyParams = json.RawMessage("{}")

// EncodeRequest builds {"jsonrpc":"2.0","method":m,"params":p,"id":n}. Nil params are sent
// as an empty object.
func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	rawParams, err := marshalValue(params, emptyParams)
	if err != nil {
		return nil, err
	}
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&message.Request{
		JSONRPC: message.Version,
		Method:  method,
		Params:  rawParams,
		ID:      rawID,
	})
}

// EncodeSuccess builds {"jsonrpc":"2.0","result":r,"id":id}. A nil result is sent as null.
func EncodeSuccess(id json.RawMessage, result any) ([]byte, error) {
	rawResult, err := marshalValue(result, message.NullID)
	if err != nil {
		return nil, err
	}
	if len(id) == 0 {
		id = message.NullID
	}
	return json.Marshal(&message.Response{
		JSONRPC: message.Version,
		Result:  rawResult,
		ID:      id,
	})
}

// EncodeError builds {"jsonrpc":"2.0","error":{"code":c,"message":m},"id":id}.
func EncodeError(id json.RawMessage, rpcErr *message.Error) ([]byte, error) {
	return json.Marshal(message.NewErrorResponse(id, rpcErr))
}

// EncodeResponse encodes an already-built response, falling back to the canonical shapes.
func EncodeResponse(resp *message.Response) ([]byte, error) {
	if resp.Error != nil {
		return EncodeError(resp.ID, resp.Error)
	}
	return EncodeSuccess(resp.ID, resp.Result)
}

func marshalValue(v any, fallback json.RawMessage) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return fallback, nil
	case json.RawMessage:
		if len(val) == 0 {
			return fallback, nil
		}
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
