// Package assetid defines the 128-bit identifier used throughout the fetch
// pipeline to name a texture asset.
package assetid

import (
	"encoding/hex"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
)

// Len is the length of an AssetId in bytes.
const Len = 16

// AssetId is a 128-bit asset identifier. It is comparable and usable as a
// map key directly; no custom hashing is required.
type AssetId [Len]byte

// Nil is the zero AssetId, never a valid asset.
var Nil AssetId

// New generates a random AssetId.
func New() AssetId {
	var id AssetId
	fastrand.Read(id[:])
	return id
}

// String returns the lowercase hex encoding of the id.
func (id AssetId) String() string {
	return hex.EncodeToString(id[:])
}

// Parse decodes a 32-character hex string into an AssetId.
func Parse(s string) (AssetId, error) {
	var id AssetId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.AddContext(err, "invalid asset id encoding")
	}
	if len(b) != Len {
		return id, errors.New("invalid asset id length")
	}
	copy(id[:], b)
	return id, nil
}

// IsNil reports whether id is the zero value.
func (id AssetId) IsNil() bool {
	return id == Nil
}
