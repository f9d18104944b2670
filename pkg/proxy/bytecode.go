package proxy

import "github.com/ethereum/go-ethereum/common"

// EIP-1167 minimal-proxy runtime code, split around the embedded target:
//
//	363d3d373d3d3d363d <pushN target> 5af43d82803e903d91602b57fd5bf3
//
// The push width varies (PUSH1..PUSH20) because deploy tooling strips leading
// zero bytes from the target address.
var (
	minimalProxyPrefix = []byte{0x36, 0x3d, 0x3d, 0x37, 0x3d, 0x3d, 0x3d, 0x36, 0x3d}
	minimalProxySuffix = []byte{0x5a, 0xf4, 0x3d, 0x82, 0x80, 0x3e, 0x90, 0x3d, 0x91, 0x60, 0x2b, 0x57, 0xfd, 0x5b, 0xf3}
)

const (
	opPush1  = 0x60
	opPush20 = 0x73
)

// matchMinimalProxy reports whether code is an EIP-1167 clone and, if so,
// extracts the embedded delegation target.
func matchMinimalProxy(code []byte) (common.Address, bool) {
	if len(code) < len(minimalProxyPrefix)+1 {
		return common.Address{}, false
	}

	for i, b := range minimalProxyPrefix {
		if code[i] != b {
			return common.Address{}, false
		}
	}

	push := code[len(minimalProxyPrefix)]
	if push < opPush1 || push > opPush20 {
		return common.Address{}, false
	}

	addrLen := int(push-opPush1) + 1
	addrStart := len(minimalProxyPrefix) + 1
	suffixStart := addrStart + addrLen
	if len(code) < suffixStart+len(minimalProxySuffix) {
		return common.Address{}, false
	}

	for i, b := range minimalProxySuffix {
		if code[suffixStart+i] != b {
			return common.Address{}, false
		}
	}

	var addr common.Address
	copy(addr[20-addrLen:], code[addrStart:suffixStart])
	return addr, true
}
