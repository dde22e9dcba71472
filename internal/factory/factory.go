// Package factory derives child pipelines from a parent event's decoded
// address-typed input — the common "factory" deployment pattern where one
// contract emits an event each time it deploys another — idempotent per
// discovered address. It is grounded on pkg/service/ctf_service.go's
// pattern of binding a contract at a known address via
// accounts/abi/bind.NewBoundContract, generalized from one hardcoded
// address to addresses discovered at runtime.
package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/rindexer-go/indexer-core/internal/abidecode"
	"github.com/rindexer-go/indexer-core/internal/processor"
)

// ChildPipelineSpec is the information needed to start indexing a
// factory-discovered contract: its address, network, and resolved event
// descriptors.
type ChildPipelineSpec struct {
	Network    string
	Address    common.Address
	Events     []abidecode.EventDescriptor
	ABI        abi.ABI
	StartBlock uint64
}

// Spawn is called once per newly discovered address.
type Spawn func(ctx context.Context, spec ChildPipelineSpec) error

// Discoverer watches one parent pipeline's decoded events for a configured
// input field, derives a child contract address from it, and spawns a
// child pipeline exactly once per address.
type Discoverer struct {
	network     string
	eventName   string
	inputName   string
	childABI    abi.ABI
	childEvents []abidecode.EventDescriptor
	spawn       Spawn
	logger      zerolog.Logger

	mu   sync.Mutex
	seen map[common.Address]bool
}

// New builds a Discoverer bound to one parent event's address-typed input.
func New(network, eventName, inputName string, childABI abi.ABI, childEvents []abidecode.EventDescriptor, spawn Spawn, logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		network:     network,
		eventName:   eventName,
		inputName:   inputName,
		childABI:    childABI,
		childEvents: childEvents,
		spawn:       spawn,
		logger:      logger,
		seen:        make(map[common.Address]bool),
	}
}

// Observe inspects one decoded event; if it matches the configured parent
// event and carries an unseen address in the configured input field, it
// spawns a child pipeline for that address.
func (d *Discoverer) Observe(ctx context.Context, event processor.DecodedEvent) error {
	if event.Name != d.eventName {
		return nil
	}

	raw, ok := event.Fields[d.inputName]
	if !ok {
		return fmt.Errorf("factory: event %s has no field %q", event.Name, d.inputName)
	}
	addr, ok := raw.(common.Address)
	if !ok {
		return fmt.Errorf("factory: field %q of event %s is not an address (got %T)", d.inputName, event.Name, raw)
	}

	d.mu.Lock()
	if d.seen[addr] {
		d.mu.Unlock()
		return nil
	}
	d.seen[addr] = true
	d.mu.Unlock()

	d.logger.Info().Str("address", addr.Hex()).Str("parent_event", event.Name).Msg("factory discovered child contract")

	return d.spawn(ctx, ChildPipelineSpec{
		Network:    d.network,
		Address:    addr,
		Events:     d.childEvents,
		ABI:        d.childABI,
		StartBlock: event.Log.BlockNumber,
	})
}

// Discovered returns the set of addresses already spawned, for diagnostics
// and restart-time reconciliation.
func (d *Discoverer) Discovered() []common.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]common.Address, 0, len(d.seen))
	for addr := range d.seen {
		out = append(out, addr)
	}
	return out
}

// BindReadOnly wraps a discovered address as a bound contract for view
// calls, the same shape pkg/service/ctf_service.go uses to bind
// CTFExchange/ConditionalTokens at their configured addresses.
func BindReadOnly(addr common.Address, contractABI abi.ABI, caller bind.ContractCaller) *bind.BoundContract {
	return bind.NewBoundContract(addr, contractABI, caller, nil, nil)
}
