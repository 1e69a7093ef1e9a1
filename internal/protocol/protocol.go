package protocol

import (
	"encoding/json"

	"github.com/blang/semver"
)

const Version = "1.0"

var current = semver.MustParse("1.0.0")

// Compatible reports whether a peer speaking version v can talk to us: same
// major version, minor not newer than ours. "1", "1.0" and "1.0.3" all parse.
func Compatible(v string) bool {
	peer, err := semver.ParseTolerant(v)
	if err != nil {
		return false
	}
	return peer.Major == current.Major && peer.Minor <= current.Minor
}

// Message types.
const (
	TypeHello    = "HELLO"
	TypeWelcome  = "WELCOME"
	TypeChunkReq = "CHUNK_REQ"
	TypeChunk    = "CHUNK"
	TypeError    = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// MaxChunkCoord bounds request coordinates so world voxel positions fit an int32.
const MaxChunkCoord = 1 << 20
