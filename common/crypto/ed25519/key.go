package ed25519

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cosmos/go-bip39"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"gitlab.com/mayachain/vaultsim/common"
)

const (
	// HardenedKeyStart is the first hardened SLIP-0010 index.
	HardenedKeyStart uint32 = 0x80000000

	// HDPath is the default SLIP-0010 path used for mnemonic credentials.
	HDPath = `m/44'/1024'/0'/0'/0'`

	curveSeed     = "ed25519 seed"
	addressPrefix = "1111"
	checksumSize  = 4
)

////////////////////////////////////////////////////////////////////////////////////////
// PrivateKey
////////////////////////////////////////////////////////////////////////////////////////

// PrivateKey is the credential handle used to sign deploys.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PrivateKeyFromString parses a credential. Accepted forms are a 32 byte hex seed or a
// BIP39 mnemonic, which is derived along HDPath.
func PrivateKeyFromString(s string) (*PrivateKey, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, " ") {
		return PrivateKeyFromMnemonic(s, "", HDPath)
	}
	return PrivateKeyFromHex(s)
}

// PrivateKeyFromHex builds a key from a hex encoded 32 byte seed.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("fail to decode key hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// PrivateKeyFromMnemonic derives a key from a mnemonic using SLIP-0010.
func PrivateKeyFromMnemonic(mnemonic, passphrase, path string) (*PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	indexes, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha512.New, []byte(curveSeed))
	mac.Write(bip39.NewSeed(mnemonic, passphrase))
	sum := mac.Sum(nil)
	key, code := sum[:32], sum[32:]

	// only hardened derivation is defined for ed25519
	for _, index := range indexes {
		data := make([]byte, 37)
		copy(data[1:33], key)
		binary.BigEndian.PutUint32(data[33:], index)
		mac = hmac.New(sha512.New, code)
		mac.Write(data)
		sum = mac.Sum(nil)
		key, code = sum[:32], sum[32:]
	}

	return &PrivateKey{key: ed25519.NewKeyFromSeed(key)}, nil
}

func parsePath(path string) ([]uint32, error) {
	if !strings.HasPrefix(path, "m/") {
		return nil, fmt.Errorf("invalid derivation path: %s, should start with 'm/'", path)
	}
	segments := strings.Split(path[2:], "/")
	indexes := make([]uint32, 0, len(segments))
	for _, segment := range segments {
		trimmed := strings.TrimRight(segment, "'h")
		if trimmed == segment {
			return nil, fmt.Errorf("non-hardened segment %s in path %s", segment, path)
		}
		var value uint32
		if _, err := fmt.Sscanf(trimmed, "%d", &value); err != nil {
			return nil, fmt.Errorf("invalid segment %s in path %s: %w", segment, path, err)
		}
		indexes = append(indexes, HardenedKeyStart+value)
	}
	return indexes, nil
}

// PubKey returns the public key bytes.
func (k *PrivateKey) PubKey() []byte {
	return k.key.Public().(ed25519.PublicKey)
}

// PubKeyHex returns the hex encoded public key.
func (k *PrivateKey) PubKeyHex() string {
	return hex.EncodeToString(k.PubKey())
}

// Sign signs data with the key.
func (k *PrivateKey) Sign(data []byte) []byte {
	return ed25519.Sign(k.key, data)
}

// Address returns the vault address of the key.
func (k *PrivateKey) Address() common.Address {
	return AddressFromPubKey(k.PubKey())
}

// String never prints key material.
func (k *PrivateKey) String() string {
	return fmt.Sprintf("PrivateKey{%s}", k.Address())
}

////////////////////////////////////////////////////////////////////////////////////////
// Addresses
////////////////////////////////////////////////////////////////////////////////////////

// AddressFromPubKey encodes the blake2b hash of the public key with a checksum.
func AddressFromPubKey(pub []byte) common.Address {
	hash := blake2b.Sum256(pub)
	payload := hash[:20]
	sum := blake2b.Sum256(payload)
	buf := make([]byte, 0, len(payload)+checksumSize)
	buf = append(buf, payload...)
	buf = append(buf, sum[:checksumSize]...)
	return common.Address(addressPrefix + base58.Encode(buf))
}

// VerifyAddress checks the prefix and checksum of an address.
func VerifyAddress(addr common.Address) error {
	s := addr.String()
	if !strings.HasPrefix(s, addressPrefix) {
		return fmt.Errorf("address %s has no %s prefix", s, addressPrefix)
	}
	buf, err := base58.Decode(strings.TrimPrefix(s, addressPrefix))
	if err != nil {
		return fmt.Errorf("fail to decode address %s: %w", s, err)
	}
	if len(buf) <= checksumSize {
		return fmt.Errorf("address %s too short", s)
	}
	payload := buf[:len(buf)-checksumSize]
	sum := blake2b.Sum256(payload)
	if string(sum[:checksumSize]) != string(buf[len(buf)-checksumSize:]) {
		return fmt.Errorf("address %s checksum mismatch", s)
	}
	return nil
}
