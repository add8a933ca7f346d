package ens

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Namehash implements the ENS name hashing algorithm (EIP-137). Labels are
// lowercased; full UTS-46 normalisation is left to callers.
func Namehash(name string) common.Hash {
	var node common.Hash
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = common.BytesToHash(crypto.Keccak256(node.Bytes(), labelHash))
	}
	return node
}

// ReverseNode returns the node of addr under addr.reverse.
func ReverseNode(addr common.Address) common.Hash {
	return Namehash(strings.ToLower(addr.Hex()[2:]) + ".addr.reverse")
}
