// Package secureconf keeps cellular backend credentials encrypted at rest,
// bound to the device identity.
//
// Blob: magic(4) | iv(16) | clen(4) | ciphertext(clen) | tag(32), integers little endian.
package secureconf

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/nbiot"
	"github.com/temoto/paxnode/log2"
	"golang.org/x/crypto/blake2b"
)

const (
	Magic         uint32 = 0x4E424331 // NBC1
	DefaultName          = "nb.cnf"
	MaxCiphertext        = 4096

	ivLen   = aes.BlockSize
	tagLen  = 32
	keyLen  = 32
	headLen = 4 + ivLen + 4
)

// DefaultEndpoint is used when blob is absent or unusable. Real credentials are provisioned with
// `paxnode secureconf`.
var DefaultEndpoint = nbiot.Endpoint{
	ServerAddress:   "localhost",
	ApplicationID:   "1",
	ApplicationName: "app",
	GatewayID:       "gateway",
	Port:            1883,
}

type wire struct {
	ServerAddress   string `json:"serverAddress"`
	ServerUsername  string `json:"serverUsername"`
	ServerPassword  string `json:"serverPassword"`
	ApplicationID   string `json:"applicationId"`
	ApplicationName string `json:"applicationName"`
	GatewayID       string `json:"gatewayId"`
	Port            int    `json:"port"`
}

type keys struct {
	enc [keyLen]byte
	tag [keyLen]byte
}

// deriveKeys: blake2b-512("NBKDF" | deviceID | "v1"), first half AES key, second half tag key.
func deriveKeys(deviceID []byte) keys {
	h, _ := blake2b.New512(nil) // cannot error on nil key
	h.Write([]byte("NBKDF"))
	h.Write(deviceID)
	h.Write([]byte("v1"))
	sum := h.Sum(nil)
	var k keys
	copy(k.enc[:], sum[:keyLen])
	copy(k.tag[:], sum[keyLen:])
	return k
}

func (k *keys) mac(iv, ciphertext []byte) []byte {
	h, _ := blake2b.New256(k.tag[:]) // 32 byte key cannot error
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// Seal encrypts endpoint for device. random is crypto/rand.Reader when nil.
func Seal(deviceID []byte, e nbiot.Endpoint, random io.Reader) ([]byte, error) {
	if len(deviceID) == 0 {
		return nil, errors.NotValidf("secureconf device id empty")
	}
	if random == nil {
		random = rand.Reader
	}
	plain, err := json.Marshal(wire(e))
	if err != nil {
		return nil, errors.Annotate(err, "secureconf marshal")
	}
	padded := pad(plain)
	if len(padded) > MaxCiphertext {
		return nil, errors.NotValidf("secureconf plaintext len=%d", len(plain))
	}

	k := deriveKeys(deviceID)
	block, err := aes.NewCipher(k.enc[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	b := make([]byte, headLen+len(padded)+tagLen)
	binary.LittleEndian.PutUint32(b[0:], Magic)
	iv := b[4 : 4+ivLen]
	if _, err = io.ReadFull(random, iv); err != nil {
		return nil, errors.Annotate(err, "secureconf iv")
	}
	binary.LittleEndian.PutUint32(b[4+ivLen:], uint32(len(padded)))
	ct := b[headLen : headLen+len(padded)]
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	copy(b[headLen+len(padded):], k.mac(iv, ct))
	return b, nil
}

// Open verifies and decrypts blob. Every failure is NotValid, reason is only for logs.
func Open(deviceID []byte, b []byte) (nbiot.Endpoint, error) {
	if len(b) < headLen+aes.BlockSize+tagLen {
		return nbiot.Endpoint{}, errors.NotValidf("secureconf blob len=%d", len(b))
	}
	if m := binary.LittleEndian.Uint32(b); m != Magic {
		return nbiot.Endpoint{}, errors.NotValidf("secureconf magic=%08x", m)
	}
	iv := b[4 : 4+ivLen]
	clen := int(binary.LittleEndian.Uint32(b[4+ivLen:]))
	if clen == 0 || clen > MaxCiphertext || clen%aes.BlockSize != 0 {
		return nbiot.Endpoint{}, errors.NotValidf("secureconf ciphertext len=%d", clen)
	}
	if len(b) != headLen+clen+tagLen {
		return nbiot.Endpoint{}, errors.NotValidf("secureconf blob len=%d expected=%d", len(b), headLen+clen+tagLen)
	}
	ct := b[headLen : headLen+clen]
	tag := b[headLen+clen:]

	k := deriveKeys(deviceID)
	if subtle.ConstantTimeCompare(k.mac(iv, ct), tag) != 1 {
		return nbiot.Endpoint{}, errors.NotValidf("secureconf tag")
	}
	block, err := aes.NewCipher(k.enc[:])
	if err != nil {
		return nbiot.Endpoint{}, errors.Trace(err)
	}
	plain := make([]byte, clen)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	if plain, err = unpad(plain); err != nil {
		return nbiot.Endpoint{}, err
	}
	var w wire
	dec := json.NewDecoder(bytes.NewReader(plain))
	if err = dec.Decode(&w); err != nil {
		return nbiot.Endpoint{}, errors.NewNotValid(err, "secureconf json")
	}
	return nbiot.Endpoint(w), nil
}

// Load is fail-closed: absent, tampered or foreign blob yields defaults, which are
// sealed back to medium. Returned error only reports failed regeneration.
func Load(m medium.Medium, name string, deviceID []byte, defaults nbiot.Endpoint, log *log2.Log) (nbiot.Endpoint, error) {
	if name == "" {
		name = DefaultName
	}
	b, err := medium.ReadFile(m, name)
	if err == nil && b != nil {
		var e nbiot.Endpoint
		if e, err = Open(deviceID, b); err == nil {
			err = e.Validate()
		}
		if err == nil {
			log.Debugf("secureconf %s loaded server=%s gateway=%s", name, e.ServerAddress, e.GatewayID)
			return e, nil
		}
	}
	switch {
	case err == nil:
		log.Infof("secureconf %s absent, using defaults", name)
	case errors.Cause(err) == medium.ErrAbsent:
		log.Infof("secureconf medium absent, using defaults")
		return defaults, nil
	default:
		log.Errorf("secureconf %s unusable, using defaults: %v", name, err)
	}
	return defaults, Save(m, name, deviceID, defaults)
}

func Save(m medium.Medium, name string, deviceID []byte, e nbiot.Endpoint) error {
	b, err := Seal(deviceID, e, nil)
	if err != nil {
		return err
	}
	return errors.Annotatef(medium.WriteFile(m, name, b), "secureconf write %s", name)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.NotValidf("secureconf padding")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.NotValidf("secureconf padding")
	}
	for _, x := range b[len(b)-n:] {
		if int(x) != n {
			return nil, errors.NotValidf("secureconf padding")
		}
	}
	return b[:len(b)-n], nil
}
