package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	MaxQueue        int         `json:"max_queue"`
	WorldParams     WorldParams `json:"world_params"`
	TuningDigest    string      `json:"tuning_digest,omitempty"`
}

type WorldParams struct {
	Levels     uint32   `json:"levels"`
	SideLength int      `json:"side_length"`
	Seed       int64    `json:"seed"`
	MinChunkY  int      `json:"min_chunk_y"`
	MaxChunkY  int      `json:"max_chunk_y"`
	Materials  []string `json:"materials"`
}

// CHUNK_REQ (client -> server)
type ChunkReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Pos             []int  `json:"pos"`
}

// Validate returns the error code the server answers a malformed request with,
// or "" if the request is acceptable.
func (m ChunkReqMsg) Validate() string {
	if m.Type != TypeChunkReq {
		return ErrProtoBadRequest
	}
	if m.ProtocolVersion != "" && !Compatible(m.ProtocolVersion) {
		return ErrProtoVersion
	}
	if m.ReqID == "" || len(m.Pos) != 3 {
		return ErrBadRequest
	}
	for _, c := range m.Pos {
		if c > MaxChunkCoord || c < -MaxChunkCoord {
			return ErrOutOfRange
		}
	}
	return ""
}

// Chunk returns the requested chunk coordinates. Call it only on a request
// that passed Validate.
func (m ChunkReqMsg) Chunk() [3]int { return [3]int{m.Pos[0], m.Pos[1], m.Pos[2]} }

// CHUNK (server -> client). The next binary frame carries 4*NodeCount bytes:
// the little-endian node buffer.
type ChunkMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Pos             [3]int `json:"pos"`
	Levels          uint32 `json:"levels"`
	SideLength      int    `json:"side_length"`
	NodeCount       int    `json:"node_count"`
	Uniform         bool   `json:"uniform,omitempty"`
	Digest          string `json:"digest"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(reqID, code, message string) ErrorMsg {
	return ErrorMsg{
		Type:            TypeError,
		ProtocolVersion: Version,
		ReqID:           reqID,
		Code:            code,
		Message:         message,
	}
}
