package crypto

import (
	"maunium.net/go/mautrix/crypto/goolm"
)

// The olm package is an interface shell; a backend must be registered
// before any account or session can be constructed. goolm is the pure-Go
// implementation, so the engines work without cgo.
func init() {
	goolm.Register()
}
