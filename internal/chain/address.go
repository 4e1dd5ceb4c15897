package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// ValidateAddress checks that addr is a bech32 account address (20 byte
// payload) with the expected human readable prefix.
func ValidateAddress(addr, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("bech32 prefix is not configured")
	}
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return err
	}
	if hrp != prefix {
		return fmt.Errorf("unexpected prefix %q", hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return err
	}
	if len(raw) != 20 {
		return fmt.Errorf("unexpected address length %d", len(raw))
	}
	return nil
}

// AddressFromBytes encodes a 20 byte account hash with the given prefix.
func AddressFromBytes(prefix string, raw []byte) (string, error) {
	converted, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, converted)
}
