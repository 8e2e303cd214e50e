package block

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// deuceNamespace scopes the uuid5 derivation used for storage IDs. It has
// no meaning beyond separating Deuce's name-based UUIDs from any other use
// of uuid.NewSHA1 in the process.
var deuceNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("deuce.storage-id"))

// uuid5 derives a version-5 UUID from blockID and a random nonce, so
// repeated uploads of the same blockID produce distinct storage IDs.
func uuid5(blockID string, nonce []byte) string {
	if len(nonce) == 0 {
		nonce = make([]byte, 16)
		_, _ = rand.Read(nonce)
	}
	data := append([]byte(blockID+":"), nonce...)
	return uuid.NewSHA1(deuceNamespace, data).String()
}
