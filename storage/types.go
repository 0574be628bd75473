package storage

import "time"

// ChannelType distinguishes direct, group and public channels.
type ChannelType string

const (
	ChannelTypePrivate ChannelType = "private"
	ChannelTypeGroup   ChannelType = "group"
	ChannelTypePublic  ChannelType = "public"
)

// Channel is the persisted metadata row for one channel. Name, topic and
// member list are stored as AEAD ciphertexts produced by the metadata
// package; this layer never sees their plaintext. The row deliberately has
// no updated_at column: activity timing is metadata worth protecting.
type Channel struct {
	GroupID          []byte
	EncryptedName    []byte
	EncryptedTopic   []byte // nil when the channel has no topic
	EncryptedMembers []byte
	CreatedAt        time.Time
	ChannelType      ChannelType
	Archived         bool
}

// Message is one persisted message row. Content arrives already encrypted;
// the sender is stored only as an opaque hash. Sequence is assigned by the
// caller and is monotonic per group. There are no timestamp columns.
type Message struct {
	MessageID        string
	GroupID          []byte
	EncryptedContent []byte
	SenderHash       []byte
	Sequence         int64
	Processed        bool
}

// Snapshot is the single persisted group-state row per group, overwritten
// in place each time the epoch advances. Blob is an encrypted group
// snapshot produced by EncryptBlob; epoch is duplicated outside the blob
// so recovery can order and sanity-check snapshots without decrypting.
type Snapshot struct {
	GroupID   []byte
	Epoch     uint64
	Blob      []byte
	CreatedAt time.Time
}
