package actor

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/concrnt/apnode/types"
)

var hashedFields = []string{
	"id",
	"preferredUsername",
	"name",
	"summary",
	"url",
	"icon.url",
	"image.url",
	"movedTo",
	"publicKey.id",
	"publicKey.publicKeyPem",
}

// ContentHash digests the parts of an actor document that are shown or trusted.
// A changed hash means the stored actor must be rewritten.
func ContentHash(doc *types.RawApObj) string {
	h := blake3.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}

	for _, field := range hashedFields {
		write(doc.MustGetString(field))
	}

	if attachments, ok := doc.GetData()["attachment"].([]any); ok {
		for _, a := range attachments {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			attachment := types.NewRawApObj(m)
			if attachment.Type() != "PropertyValue" {
				continue
			}
			write(attachment.MustGetString("name"))
			write(attachment.MustGetString("value"))
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
