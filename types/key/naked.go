package key

const Len = 32

// NakedKey is the 32-byte underlying key.
//
// Only used to shuttle bytes between key types, never handed out on its own.
type NakedKey [Len]byte
