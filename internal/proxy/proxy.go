package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/base/discovery-engine/internal/chainreg"
	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/provider"
	"github.com/base/discovery-engine/internal/value"
)

// Recognized proxy kinds. These names appear verbatim in overrides
// (proxyType) and in the output artifact.
const (
	TypeImmutable  = "immutable"
	TypeEIP1967    = "EIP1967 proxy"
	TypeBeacon     = "beacon proxy"
	TypeUUPS       = "UUPS proxy"
	TypeGnosisSafe = "gnosis safe"
)

// EIP-1967 storage locations.
var (
	// keccak256("eip1967.proxy.implementation") - 1
	implementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	// keccak256("eip1967.proxy.admin") - 1
	adminSlot = common.HexToHash("0xb53127684a568b3173ae13b9f8a6016e243e63b6e8ee1178d6a717850b5d6103")
	// keccak256("eip1967.proxy.beacon") - 1
	beaconSlot = common.HexToHash("0xa3f0ad74e5423aebfd80d3ef4346578335a9a72aeaee59ff6cb3582b35133d50")
)

// implementation() selector, called on a beacon to resolve its target.
var implementationSelector = common.Hex2Bytes("5c60da1b")

// Detection is the result of proxy analysis for one address.
type Detection struct {
	ProxyType       string
	Implementations []common.Address
	Relatives       []common.Address
	Values          map[string]value.Value
}

func immutableDetection() *Detection {
	return &Detection{ProxyType: TypeImmutable, Values: map[string]value.Value{}}
}

// Detector recognizes the closed set of proxy layouts. Results are cached
// per address; the provider pins the block, so a detection never goes stale
// within a run.
type Detector struct {
	chain *chainreg.Chain
	cache sync.Map
}

func NewDetector(chain *chainreg.Chain) *Detector {
	return &Detector{chain: chain}
}

// Detect classifies addr. A manual proxyType override runs only that
// detector; otherwise auto-detectors run in fixed priority order and the
// first to yield an implementation wins.
func (d *Detector) Detect(ctx context.Context, p provider.Provider, addr common.Address, manual string) (*Detection, error) {
	if cached, ok := d.cache.Load(addr); ok {
		return cached.(*Detection), nil
	}
	det, err := d.detect(ctx, p, addr, manual)
	if err != nil {
		return nil, err
	}
	d.cache.Store(addr, det)
	return det, nil
}

func (d *Detector) detect(ctx context.Context, p provider.Provider, addr common.Address, manual string) (*Detection, error) {
	if manual != "" {
		return d.detectManual(ctx, p, addr, manual)
	}
	detectors := []func(context.Context, provider.Provider, common.Address) (*Detection, error){
		d.detectEIP1967,
		d.detectBeacon,
		d.detectUUPS,
		d.detectGnosisSafe,
	}
	for _, fn := range detectors {
		det, err := fn(ctx, p, addr)
		if err != nil {
			return nil, err
		}
		if det != nil {
			return det, nil
		}
	}
	return immutableDetection(), nil
}

func (d *Detector) detectManual(ctx context.Context, p provider.Provider, addr common.Address, manual string) (*Detection, error) {
	var det *Detection
	var err error
	switch manual {
	case TypeImmutable:
		return immutableDetection(), nil
	case TypeEIP1967:
		det, err = d.detectEIP1967(ctx, p, addr)
	case TypeBeacon:
		det, err = d.detectBeacon(ctx, p, addr)
	case TypeUUPS:
		det, err = d.detectUUPS(ctx, p, addr)
	case TypeGnosisSafe:
		det, err = d.detectGnosisSafe(ctx, p, addr)
	default:
		return nil, fmt.Errorf("%w: unknown proxyType %q", config.ErrConfig, manual)
	}
	if err != nil {
		return nil, err
	}
	if det == nil {
		// The override named a layout the contract does not exhibit. Record
		// the declared kind with no implementation rather than guessing.
		return &Detection{ProxyType: manual, Values: map[string]value.Value{}}, nil
	}
	return det, nil
}

// detectEIP1967 recognizes the transparent proxy layout: both the
// implementation and admin slots populated.
func (d *Detector) detectEIP1967(ctx context.Context, p provider.Provider, addr common.Address) (*Detection, error) {
	impl, err := p.GetStorage(ctx, addr, implementationSlot)
	if err != nil {
		return nil, err
	}
	if impl == (common.Hash{}) {
		return nil, nil
	}
	admin, err := p.GetStorage(ctx, addr, adminSlot)
	if err != nil {
		return nil, err
	}
	if admin == (common.Hash{}) {
		return nil, nil
	}
	implAddr := common.BytesToAddress(impl.Bytes())
	adminAddr := common.BytesToAddress(admin.Bytes())
	return &Detection{
		ProxyType:       TypeEIP1967,
		Implementations: []common.Address{implAddr},
		Relatives:       []common.Address{adminAddr},
		Values: map[string]value.Value{
			"$implementation": value.Addr(implAddr),
			"$admin":          value.Addr(adminAddr),
		},
	}, nil
}

// detectBeacon resolves the beacon slot and asks the beacon for its target.
func (d *Detector) detectBeacon(ctx context.Context, p provider.Provider, addr common.Address) (*Detection, error) {
	beacon, err := p.GetStorage(ctx, addr, beaconSlot)
	if err != nil {
		return nil, err
	}
	if beacon == (common.Hash{}) {
		return nil, nil
	}
	beaconAddr := common.BytesToAddress(beacon.Bytes())
	ret, err := p.Call(ctx, beaconAddr, implementationSelector)
	if err != nil || len(ret) < 32 {
		return nil, nil
	}
	implAddr := common.BytesToAddress(ret[12:32])
	return &Detection{
		ProxyType:       TypeBeacon,
		Implementations: []common.Address{implAddr},
		Relatives:       []common.Address{beaconAddr},
		Values: map[string]value.Value{
			"$implementation": value.Addr(implAddr),
			"$beacon":         value.Addr(beaconAddr),
		},
	}, nil
}

// detectUUPS recognizes an implementation slot without an admin: the upgrade
// logic lives in the implementation itself.
func (d *Detector) detectUUPS(ctx context.Context, p provider.Provider, addr common.Address) (*Detection, error) {
	impl, err := p.GetStorage(ctx, addr, implementationSlot)
	if err != nil {
		return nil, err
	}
	if impl == (common.Hash{}) {
		return nil, nil
	}
	implAddr := common.BytesToAddress(impl.Bytes())
	return &Detection{
		ProxyType:       TypeUUPS,
		Implementations: []common.Address{implAddr},
		Values: map[string]value.Value{
			"$implementation": value.Addr(implAddr),
		},
	}, nil
}

// detectGnosisSafe reads the singleton pointer at slot 0 and matches it
// against the chain's known Safe master copies.
func (d *Detector) detectGnosisSafe(ctx context.Context, p provider.Provider, addr common.Address) (*Detection, error) {
	word, err := p.GetStorage(ctx, addr, common.Hash{})
	if err != nil {
		return nil, err
	}
	if word == (common.Hash{}) {
		return nil, nil
	}
	singleton := common.BytesToAddress(word.Bytes())
	if d.chain == nil || !d.chain.IsSafeSingleton(singleton) {
		return nil, nil
	}
	return &Detection{
		ProxyType:       TypeGnosisSafe,
		Implementations: []common.Address{singleton},
		Values: map[string]value.Value{
			"$implementation": value.Addr(singleton),
		},
	}, nil
}
