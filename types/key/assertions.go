package key

// NODE

var (
	_ publicKey = NodePublic{}

	_ privateKey[NodePublic] = NodePrivate{}

	// We need this to send keys over the wire via JSON
	_ canTextMarshal = &NodePublic{}
	_ canBsonMarshal = &NodePublic{}

	// We need this to persist node keys to disk.
	_ canTextMarshal = &NodePrivate{}

	_ CryptoPair[NodePublic] = NodePrivate{}
)

// MESH

var (
	_ key = MeshKey{}

	// Mesh keys live in config files.
	_ canTextMarshal = &MeshKey{}
	_ canBsonMarshal = &MeshKey{}
)
