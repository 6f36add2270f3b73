package rudp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/crypto/blake2b"
)

// ConnectionID identifies a connection on a server. It is derived from the remote endpoint.
type ConnectionID uint64

// identityHasher derives connection ids from remote endpoints with a keyed hash. The key is
// random per server so remote parties cannot predict or steer the ids.
type identityHasher struct {
	key [32]byte
}

func newIdentityHasher() (*identityHasher, error) {
	h := &identityHasher{}
	if _, err := rand.Read(h.key[:]); err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return h, nil
}

// Returns the connection id of the remote endpoint. The same endpoint always maps to the same
// id for the lifetime of the hasher.
func (h *identityHasher) Sum(addr net.Addr) ConnectionID {
	d, err := blake2b.New(8, h.key[:])
	if err != nil {
		// Only returned for invalid sizes or keys longer than 64 bytes.
		panic(err)
	}

	d.Write([]byte(addr.String()))
	return ConnectionID(binary.BigEndian.Uint64(d.Sum(nil)))
}

// Returns a random non-zero cookie. Zero is what clients send before they learned the cookie
// of the server.
func newCookie() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate cookie: %w", err)
		}

		if cookie := binary.BigEndian.Uint32(b[:]); cookie != 0 {
			return cookie, nil
		}
	}
}
