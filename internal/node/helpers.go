package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadValidatorKey reads a hex-encoded Ed25519 private key from a file.
func loadValidatorKey(path string) (*crypto.PrivateKey, error) {
	path = expandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("operator key file not found: %s (use 'klingnet-cli wallet exportKey' to generate one)", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading operator key file: %s", path)
		}
		return nil, fmt.Errorf("read operator key file %s: %w", path, err)
	}

	hexStr := strings.TrimSpace(string(data))
	if len(hexStr) == 0 {
		return nil, fmt.Errorf("operator key file %s is empty", path)
	}

	keyBytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("operator key file %s contains invalid hex: %w", path, err)
	}

	pk, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid operator key in %s (expected Ed25519 private key): %w", path, err)
	}
	return pk, nil
}

// resolveCoinbase determines the coinbase address from a string or operator key.
func resolveCoinbase(coinbaseStr string, operatorKey *crypto.PrivateKey) (types.Address, error) {
	if coinbaseStr != "" {
		addr, err := types.ParseAddress(coinbaseStr)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
		}
		return addr, nil
	}

	if operatorKey != nil {
		return crypto.AddressFromPubKey(operatorKey.PublicKey()), nil
	}

	return types.Address{}, fmt.Errorf("masternode.enabled requires masternode.coinbase or masternode.operator_key (to derive coinbase from public key)")
}

// utxoAdapter bridges utxo.Set to tx.UTXOProvider, the narrower read
// interface the mempool validates transactions against.
type utxoAdapter struct {
	set utxo.Set
}

func newUTXOAdapter(set utxo.Set) *utxoAdapter {
	return &utxoAdapter{set: set}
}

func (a *utxoAdapter) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := a.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (a *utxoAdapter) HasUTXO(outpoint types.Outpoint) bool {
	has, err := a.set.Has(outpoint)
	if err != nil {
		return false
	}
	return has
}

// parseOutpoint parses the "<txid_hex>:<vout>" form config.MasternodeEntry
// uses for CollateralOutpoint.
func parseOutpoint(s string) (*types.Outpoint, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed outpoint %q (want txid:vout)", s)
	}
	txidBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed outpoint txid %q: %w", parts[0], err)
	}
	if len(txidBytes) != len(types.Hash{}) {
		return nil, fmt.Errorf("outpoint txid %q: expected %d bytes, got %d", parts[0], len(types.Hash{}), len(txidBytes))
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed outpoint index %q: %w", parts[1], err)
	}
	var txid types.Hash
	copy(txid[:], txidBytes)
	return &types.Outpoint{TxID: txid, Index: uint32(vout)}, nil
}
