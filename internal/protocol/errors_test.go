package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrBadRequest,
		ErrOutOfRange,
		ErrRateLimit,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestDecodeBase(t *testing.T) {
	m, err := DecodeBase([]byte(`{"type":"CHUNK_REQ","protocol_version":"1.0","pos":[1,2,3]}`))
	if err != nil {
		t.Fatalf("DecodeBase: %v", err)
	}
	if m.Type != TypeChunkReq || m.ProtocolVersion != Version {
		t.Fatalf("got %+v", m)
	}
	if _, err := DecodeBase([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed input")
	}
}

func TestChunkReqValidate(t *testing.T) {
	tests := []struct {
		name string
		req  ChunkReqMsg
		code string
	}{
		{"ok", ChunkReqMsg{Type: TypeChunkReq, ProtocolVersion: Version, ReqID: "r1", Pos: []int{1, 0, -4}}, ""},
		{"no version", ChunkReqMsg{Type: TypeChunkReq, ReqID: "r1", Pos: []int{0, 0, 0}}, ""},
		{"wrong version", ChunkReqMsg{Type: TypeChunkReq, ProtocolVersion: "0.9", ReqID: "r1"}, ErrProtoVersion},
		{"wrong type", ChunkReqMsg{Type: TypeChunk, ReqID: "r1"}, ErrProtoBadRequest},
		{"missing req id", ChunkReqMsg{Type: TypeChunkReq, Pos: []int{0, 0, 0}}, ErrBadRequest},
		{"missing pos", ChunkReqMsg{Type: TypeChunkReq, ReqID: "r"}, ErrBadRequest},
		{"short pos", ChunkReqMsg{Type: TypeChunkReq, ReqID: "r", Pos: []int{5}}, ErrBadRequest},
		{"long pos", ChunkReqMsg{Type: TypeChunkReq, ReqID: "r", Pos: []int{1, 2, 3, 4}}, ErrBadRequest},
		{"far x", ChunkReqMsg{Type: TypeChunkReq, ReqID: "r", Pos: []int{MaxChunkCoord + 1, 0, 0}}, ErrOutOfRange},
		{"far z", ChunkReqMsg{Type: TypeChunkReq, ReqID: "r", Pos: []int{0, 0, -MaxChunkCoord - 1}}, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Validate(); got != tt.code {
				t.Fatalf("Validate() = %q want %q", got, tt.code)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	cases := map[string]bool{
		"1.0":   true,
		"1":     true,
		"1.0.7": true,
		"1.1":   false,
		"2.0":   false,
		"0.9":   false,
		"":      false,
		"one":   false,
	}
	for in, want := range cases {
		if got := Compatible(in); got != want {
			t.Fatalf("Compatible(%q)=%v want %v", in, got, want)
		}
	}
}
