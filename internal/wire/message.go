// Package wire implements the framed, compressed, bidirectional JSON
// message channel peer sessions talk over.
package wire

import "encoding/json"

// Type identifies the kind of payload carried by a Message.
type Type string

const (
	// DirectoryState carries a directory manifest exchanged at handshake
	// time and on each periodic reconciliation sweep.
	DirectoryState Type = "DIRECTORY_STATE"
	// DeltaTransfer carries a batch of per-path deltas produced in
	// response to a DirectoryState comparison.
	DeltaTransfer Type = "DELTA_TRANSFER"
	// ModificationUpdate carries a single live change (create, modify,
	// delete or rename) detected by the change watcher.
	ModificationUpdate Type = "MODIFICATION_UPDATE"
)

// Message is the envelope every frame carries: a type tag and a
// type-specific JSON payload. Used on the send side, where Payload is a
// concrete Go value to marshal.
type Message struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// Envelope is the receive-side counterpart of Message: the type tag has
// been decoded, but the payload is left raw so the caller can unmarshal
// it into the struct appropriate for Type.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ManifestEntry is one file's record inside a DIRECTORY_STATE payload.
type ManifestEntry struct {
	MTime     float64 `json:"mtime"`
	Size      uint64  `json:"size"`
	Signature string  `json:"signature"` // base64 of the compressed block signature
}

// Manifest is the DIRECTORY_STATE payload: relative path -> entry.
type Manifest map[string]ManifestEntry

// Action identifies the kind of change a MODIFICATION_UPDATE or a
// DELTA_TRANSFER entry describes.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionModify Action = "MODIFY"
	ActionDelete Action = "DELETE"
	ActionRename Action = "RENAME"
)

// TransferEntry is one file's record inside a DELTA_TRANSFER payload.
type TransferEntry struct {
	Delta      []any   `json:"delta"`
	MTime      float64 `json:"mtime"`
	Action     Action  `json:"action"` // always ActionCreate per the protocol
	IsFullFile bool    `json:"is_full_file"`
}

// Transfer is the DELTA_TRANSFER payload: relative path -> entry.
type Transfer map[string]TransferEntry

// Update is the MODIFICATION_UPDATE payload.
type Update struct {
	FilePath   string  `json:"file_path"`
	Action     Action  `json:"action"`
	MTime      float64 `json:"mtime"`
	Delta      []any   `json:"delta,omitempty"`
	DestPath   string  `json:"dest_path,omitempty"`
	IsFullFile bool    `json:"is_full_file,omitempty"`
}
