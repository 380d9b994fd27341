package relay

import "github.com/edup2p/relaymesh/types/key"

type ClientInfo struct {
	// SendKeepalive is whether the client wants to receive keepalives over this connection, default true.
	SendKeepalive bool

	// MeshKey is set by relay servers connecting to another relay server of the same mesh.
	MeshKey *key.MeshKey `json:",omitempty"`
}

type ServerInfo struct {
	TokenBucketBytesPerSecond int `json:",omitempty"`
	TokenBucketBytesBurst     int `json:",omitempty"`

	// CanMesh is true when the server accepted the client's mesh key.
	CanMesh bool `json:",omitempty"`
}
