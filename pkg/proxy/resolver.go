package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"exploitscan/pkg/chain"
	"exploitscan/pkg/faults"
)

// PatternKind tags the delegation pattern a proxy uses. The set is closed:
// classification picks exactly one variant per address.
type PatternKind string

const (
	PatternNone            PatternKind = "none"
	PatternMinimalProxy    PatternKind = "minimal-proxy"
	PatternTransparentSlot PatternKind = "transparent-storage-slot"
	PatternBeacon          PatternKind = "beacon-indirection"
	PatternFacetDispatch   PatternKind = "multi-facet-dispatch"
)

// ProxyLink records one resolved delegation edge. Read-only after creation.
type ProxyLink struct {
	Proxy      common.Address `json:"proxy"`
	Logic      common.Address `json:"logic"`
	Pattern    PatternKind    `json:"pattern"`
	Selectors  []string       `json:"selectors,omitempty"` // facet dispatch only: 4-byte selectors served by Logic
	ResolvedAt uint64         `json:"resolved_at"`
}

// Storage slots defined by EIP-1967 plus the legacy OpenZeppelin layout still
// found on older deployments (USDC on Arbitrum among them).
var (
	implementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	legacyImplSlot     = common.HexToHash("0x7050c9e0f4ca769c69bd3a8ef740bc37934f8e2c036e5a723fd8ee048ed3f8c3")
	beaconSlot         = common.HexToHash("0xa3f0ad74e5423aebfd80d3ef4346578335a9a72aeaee59ff6cb3582b35133d50")
)

const beaconABIJSON = `[{"inputs":[],"name":"implementation","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

const loupeABIJSON = `[{"inputs":[],"name":"facets","outputs":[{"components":[{"name":"facetAddress","type":"address"},{"name":"functionSelectors","type":"bytes4[]"}],"name":"facets_","type":"tuple[]"}],"stateMutability":"view","type":"function"}]`

// Resolver determines which address's bytecode actually executes for a given
// account, following delegation up to a fixed depth bound.
type Resolver struct {
	reader    chain.Reader
	maxDepth  int
	beaconABI abi.ABI
	loupeABI  abi.ABI
	log       *logrus.Entry
}

// NewResolver constructs a resolver with the given recursion bound.
func NewResolver(reader chain.Reader, maxDepth int, logger *logrus.Logger) (*Resolver, error) {
	beaconABI, err := abi.JSON(strings.NewReader(beaconABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse beacon ABI: %w", err)
	}
	loupeABI, err := abi.JSON(strings.NewReader(loupeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse loupe ABI: %w", err)
	}
	if maxDepth < 1 {
		maxDepth = 4
	}
	return &Resolver{
		reader:    reader,
		maxDepth:  maxDepth,
		beaconABI: beaconABI,
		loupeABI:  loupeABI,
		log:       logger.WithField("component", "proxy"),
	}, nil
}

// Resolve walks the delegation chain rooted at addr as of block. It returns
// one link per level (one per facet for diamonds). A plain contract yields a
// single self-link with PatternNone. Chains deeper than the bound fail with
// ErrResolutionDepthExceeded.
func (r *Resolver) Resolve(ctx context.Context, addr common.Address, block uint64) ([]ProxyLink, error) {
	var links []ProxyLink
	current := addr

	for depth := 0; ; depth++ {
		if depth >= r.maxDepth {
			return nil, fmt.Errorf("%w: %s at depth %d (block %d)", faults.ErrResolutionDepthExceeded, addr.Hex(), depth, block)
		}

		level, terminal, err := r.classify(ctx, current, block)
		if err != nil {
			return nil, err
		}

		if len(level) > 1 || (len(level) == 1 && level[0].Pattern == PatternFacetDispatch) {
			// Facet dispatch fans out; facets are terminal.
			links = append(links, level...)
			r.log.WithFields(logrus.Fields{"proxy": current.Hex(), "facets": len(level), "block": block}).
				Debug("resolved facet dispatch")
			return links, nil
		}

		if terminal {
			if len(links) == 0 {
				// No indirection anywhere: the address executes its own code.
				links = append(links, ProxyLink{
					Proxy: addr, Logic: addr, Pattern: PatternNone, ResolvedAt: block,
				})
			}
			return links, nil
		}

		link := level[0]
		links = append(links, link)
		r.log.WithFields(logrus.Fields{
			"proxy": link.Proxy.Hex(), "logic": link.Logic.Hex(),
			"pattern": string(link.Pattern), "block": block,
		}).Debug("resolved delegation level")
		current = link.Logic
	}
}

// classify picks the delegation variant for one address. terminal means the
// address executes its own code (no further recursion). Facet dispatch
// returns one link per facet.
func (r *Resolver) classify(ctx context.Context, addr common.Address, block uint64) ([]ProxyLink, bool, error) {
	code, err := r.reader.CodeAt(ctx, addr, block)
	if err != nil {
		return nil, false, err
	}
	if len(code) == 0 {
		return []ProxyLink{{Proxy: addr, Logic: addr, Pattern: PatternNone, ResolvedAt: block}}, true, nil
	}

	if target, ok := matchMinimalProxy(code); ok {
		return []ProxyLink{{Proxy: addr, Logic: target, Pattern: PatternMinimalProxy, ResolvedAt: block}}, false, nil
	}

	// The transparent implementation slot takes precedence: beacon proxies
	// keep it zero by construction.
	for _, slot := range []common.Hash{implementationSlot, legacyImplSlot} {
		logic, err := r.readAddressSlot(ctx, addr, slot, block)
		if err != nil {
			return nil, false, err
		}
		if logic != (common.Address{}) {
			return []ProxyLink{{Proxy: addr, Logic: logic, Pattern: PatternTransparentSlot, ResolvedAt: block}}, false, nil
		}
	}

	beacon, err := r.readAddressSlot(ctx, addr, beaconSlot, block)
	if err != nil {
		return nil, false, err
	}
	if beacon != (common.Address{}) {
		logic, err := r.callBeaconImplementation(ctx, beacon, block)
		if err != nil {
			return nil, false, err
		}
		return []ProxyLink{{Proxy: addr, Logic: logic, Pattern: PatternBeacon, ResolvedAt: block}}, false, nil
	}

	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	// Diamonds carry no marker slot; probe the loupe directly. A revert
	// means the address is not a diamond.
	if facets, err := r.enumerateFacets(ctx, addr, block); err == nil && len(facets) > 0 {
		return facets, false, nil
	}

	return []ProxyLink{{Proxy: addr, Logic: addr, Pattern: PatternNone, ResolvedAt: block}}, true, nil
}

func (r *Resolver) readAddressSlot(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Address, error) {
	raw, err := r.reader.StorageAt(ctx, addr, slot, block)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}

func (r *Resolver) callBeaconImplementation(ctx context.Context, beacon common.Address, block uint64) (common.Address, error) {
	input, err := r.beaconABI.Pack("implementation")
	if err != nil {
		return common.Address{}, fmt.Errorf("pack implementation(): %w", err)
	}
	out, err := r.reader.CallContract(ctx, ethereum.CallMsg{To: &beacon, Data: input}, block)
	if err != nil {
		return common.Address{}, fmt.Errorf("beacon %s implementation() failed: %w", beacon.Hex(), err)
	}
	values, err := r.beaconABI.Unpack("implementation", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, fmt.Errorf("beacon %s returned malformed implementation(): %v", beacon.Hex(), err)
	}
	logic, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("beacon %s implementation() is not an address", beacon.Hex())
	}
	return logic, nil
}

type loupeFacet struct {
	FacetAddress      common.Address
	FunctionSelectors [][4]byte
}

// enumerateFacets queries the diamond-loupe facets() table and emits one link
// per registered facet with the selectors it serves.
func (r *Resolver) enumerateFacets(ctx context.Context, diamond common.Address, block uint64) ([]ProxyLink, error) {
	input, err := r.loupeABI.Pack("facets")
	if err != nil {
		return nil, fmt.Errorf("pack facets(): %w", err)
	}
	out, err := r.reader.CallContract(ctx, ethereum.CallMsg{To: &diamond, Data: input}, block)
	if err != nil {
		return nil, fmt.Errorf("loupe facets() failed for %s: %w", diamond.Hex(), err)
	}

	var facets []loupeFacet
	if err := r.loupeABI.UnpackIntoInterface(&facets, "facets", out); err != nil {
		return nil, fmt.Errorf("unpack facets() for %s: %w", diamond.Hex(), err)
	}

	links := make([]ProxyLink, 0, len(facets))
	for _, facet := range facets {
		selectors := make([]string, 0, len(facet.FunctionSelectors))
		for _, sel := range facet.FunctionSelectors {
			selectors = append(selectors, "0x"+common.Bytes2Hex(sel[:]))
		}
		links = append(links, ProxyLink{
			Proxy:      diamond,
			Logic:      facet.FacetAddress,
			Pattern:    PatternFacetDispatch,
			Selectors:  selectors,
			ResolvedAt: block,
		})
	}
	return links, nil
}
