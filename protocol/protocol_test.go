package protocol

import (
	"testing"

	"jsonrpc-ws/message"
)

func TestParseRequestValid(t *testing.T) {
	req, errResp := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"add","params":{"a":2,"b":3},"id":7}`))
	if errResp != nil {
		t.Fatalf("unexpected error response: %+v", errResp.Error)
	}
	if req.Method != "add" {
		t.Errorf("Method mismatch: got %s, want add", req.Method)
	}
	if string(req.ID) != "7" {
		t.Errorf("ID mismatch: got %s, want 7", req.ID)
	}
	if string(req.Params) != `{"a":2,"b":3}` {
		t.Errorf("Params mismatch: got %s", req.Params)
	}
}

func TestParseRequestDefaults(t *testing.T) {
	cases := []string{
		`{"jsonrpc":"2.0","method":"ping","id":1}`,
		`{"jsonrpc":"2.0","method":"ping","params":null,"id":1}`,
	}
	for _, in := range cases {
		req, errResp := ParseRequest([]byte(in))
		if errResp != nil {
			t.Fatalf("%s: unexpected error response %+v", in, errResp.Error)
		}
		if string(req.Params) != "{}" {
			t.Fatalf("%s: expect default params {}, got %s", in, req.Params)
		}
	}
}

func TestParseRequestNullIDIsARequest(t *testing.T) {
	req, errResp := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"ping","id":null}`))
	if errResp != nil {
		t.Fatalf("an id member holding null is still a request, got %+v", errResp.Error)
	}
	if string(req.ID) != "null" {
		t.Fatalf("expect null id, got %s", req.ID)
	}
}

func TestParseRequestErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code int
		id   string
	}{
		{"not json", `{oops`, message.CodeParseError, "null"},
		{"empty", ``, message.CodeParseError, "null"},
		{"array", `[1,2,3]`, message.CodeInvalidRequest, "null"},
		{"scalar", `42`, message.CodeInvalidRequest, "null"},
		{"missing method", `{"jsonrpc":"2.0","id":3}`, message.CodeInvalidRequest, "3"},
		{"method not string", `{"jsonrpc":"2.0","method":5,"id":"x"}`, message.CodeInvalidRequest, `"x"`},
		{"wrong version", `{"jsonrpc":"1.0","method":"a","id":4}`, message.CodeInvalidRequest, "4"},
		{"missing version", `{"method":"a","id":0}`, message.CodeInvalidRequest, "0"},
		{"notification", `{"jsonrpc":"2.0","method":"a"}`, message.CodeInvalidRequest, "null"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, errResp := ParseRequest([]byte(tc.in))
			if req != nil || errResp == nil {
				t.Fatalf("expect an error response, got request %+v", req)
			}
			if errResp.Error.Code != tc.code {
				t.Errorf("code mismatch: got %d, want %d", errResp.Error.Code, tc.code)
			}
			if string(errResp.ID) != tc.id {
				t.Errorf("id mismatch: got %s, want %s", errResp.ID, tc.id)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	id, resp, ok := ParseResponse([]byte(`{"jsonrpc":"2.0","result":5,"id":7}`))
	if !ok || id != 7 {
		t.Fatalf("expect id 7, got %d (%v)", id, ok)
	}
	if resp.Error != nil || string(resp.Result) != "5" {
		t.Fatalf("expect result 5, got %+v", resp)
	}

	id, resp, ok = ParseResponse([]byte(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope","data":{"x":1}},"id":0}`))
	if !ok || id != 0 {
		t.Fatalf("id 0 must correlate, got %d (%v)", id, ok)
	}
	if resp.Error == nil || resp.Error.Code != -32601 || string(resp.Error.Data) != `{"x":1}` {
		t.Fatalf("expect verbatim error object, got %+v", resp.Error)
	}
}

func TestParseResponseNullErrorIsSuccess(t *testing.T) {
	_, resp, ok := ParseResponse([]byte(`{"jsonrpc":"2.0","result":"r","error":null,"id":2}`))
	if !ok || resp.Error != nil || string(resp.Result) != `"r"` {
		t.Fatalf("null error member should resolve, got %+v (%v)", resp, ok)
	}
}

func TestParseResponseDropped(t *testing.T) {
	for _, in := range []string{
		`garbage`,
		`[1]`,
		`{"jsonrpc":"2.0","result":1}`,
		`{"jsonrpc":"2.0","result":1,"id":null}`,
		`{"jsonrpc":"2.0","result":1,"id":"7"}`,
		`{"jsonrpc":"2.0","result":1,"id":-3}`,
	} {
		if _, _, ok := ParseResponse([]byte(in)); ok {
			t.Errorf("ParseResponse(%s) should be dropped", in)
		}
	}
}
