// Package sid generates session IDs.
//
// IDs come from a snowflake sequence encrypted with XTEA so they are unique
// per worker and random-looking.
package sid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// KeySize is the size of the XTEA key.
const KeySize = xtea.BlockSize * 2

// Generator holds snowflake and encryption parameters.
type Generator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initialises the generator. A random key is used if key is empty.
func (g *Generator) Init(workerID uint, key []byte) error {
	var err error

	if len(key) == 0 {
		key = make([]byte, KeySize)
		if _, err = rand.Read(key); err != nil {
			return err
		}
	}

	if g.seq == nil {
		if g.seq, err = sf.NewSnowFlake(uint32(workerID)); err != nil {
			return err
		}
	}
	if g.cipher == nil {
		if g.cipher, err = xtea.NewCipher(key); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a new ID as an unpadded URL-safe base64 string.
func (g *Generator) Get() (string, error) {
	if g.seq == nil {
		return "", errors.New("sid: generator not initialized")
	}

	id, err := g.seq.Next()
	if err != nil {
		return "", err
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	g.cipher.Encrypt(dst, src)

	return base64.RawURLEncoding.EncodeToString(dst), nil
}
