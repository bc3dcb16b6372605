// Package tripcode turns "name#secret" poster input into a display name plus
// a stable identity code.
package tripcode

import (
	"encoding/base64"
	"strings"

	"github.com/zeebo/blake3"
)

const codeLength = 10

// key is fixed so codes stay stable across deployments.
var key = [32]byte{
	'a', 'g', 'e', 'n', 't', 'c', 'h', 'a', 'n', '-', 't', 'r', 'i', 'p', 'c', 'o',
	'd', 'e', '-', 'k', 'e', 'y', '-', 'v', '1', 0, 0, 0, 0, 0, 0, 0,
}

const DefaultName = "Anonymous"

// Parse splits input on the first '#'. The returned code is empty when no
// secret was given.
func Parse(input string) (name, code string) {
	input = strings.TrimSpace(input)
	name, secret, found := strings.Cut(input, "#")
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	if !found || secret == "" {
		return name, ""
	}
	return name, Code(secret)
}

func Code(secret string) string {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length.
		panic(err)
	}
	_, _ = h.Write([]byte(secret))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum)[:codeLength]
}

// Display renders the name the way boards show it: name!code.
func Display(name, code string) string {
	if code == "" {
		return name
	}
	return name + "!" + code
}
