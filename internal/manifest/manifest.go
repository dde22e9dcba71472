// Package manifest is the typed domain model for the YAML file describing
// networks, contracts, events, and sinks, generalizing the teacher's typed
// JSON config (pkg/config/config.go) to the indexer's richer domain.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rindexer-go/indexer-core/internal/abidecode"
	"github.com/rindexer-go/indexer-core/internal/predicate"
)

// ProjectType mirrors the top-level "project_type" field; it is currently
// informational only, carried through for parity with the schema.
type ProjectType string

const (
	ProjectNoCode ProjectType = "no-code"
	ProjectRust   ProjectType = "rust"
)

// Network is one RPC endpoint and its reorg/throughput parameters.
type Network struct {
	Name              string `yaml:"name"`
	ChainID           uint64 `yaml:"chain_id"`
	RPC               string `yaml:"rpc"`
	MaxBlockRange     uint64 `yaml:"max_block_range"`
	ReorgSafeDistance uint32 `yaml:"reorg_safe_distance"`
	PollIntervalMS    uint32 `yaml:"poll_interval_ms"`
}

// PollInterval returns the configured poll interval, defaulting to 200ms
// when unset, matching the teacher's ticker cadence.
func (n Network) PollInterval() time.Duration {
	if n.PollIntervalMS == 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(n.PollIntervalMS) * time.Millisecond
}

func (n Network) validate() error {
	if n.Name == "" {
		return fmt.Errorf("network: name is required")
	}
	if n.RPC == "" {
		return fmt.Errorf("network %s: rpc is required", n.Name)
	}
	if n.MaxBlockRange == 0 {
		return fmt.Errorf("network %s: max_block_range must be > 0", n.Name)
	}
	return nil
}

// Filter names per-topic-slot value allowlists applied at the log-fetch
// boundary (narrowing eth_getLogs itself, not a post-decode predicate).
type Filter struct {
	Indexed1 []string `yaml:"indexed_1"`
	Indexed2 []string `yaml:"indexed_2"`
	Indexed3 []string `yaml:"indexed_3"`
}

// ContractDetail binds one contract definition to one network, an address
// set, and an optional block range / topic filter.
type ContractDetail struct {
	Network    string   `yaml:"network"`
	Address    string   `yaml:"address"`
	Addresses  []string `yaml:"addresses"`
	StartBlock *uint64  `yaml:"start_block"`
	EndBlock   *uint64  `yaml:"end_block"`
	Filter     *Filter  `yaml:"filter"`
}

// AddressList returns the configured addresses regardless of whether the
// manifest used the singular "address" or plural "addresses" form.
func (d ContractDetail) AddressList() []string {
	if d.Address != "" {
		return append([]string{d.Address}, d.Addresses...)
	}
	return d.Addresses
}

func (d ContractDetail) validate(contractName string) error {
	if d.Network == "" {
		return fmt.Errorf("contract %s: detail missing network", contractName)
	}
	if len(d.AddressList()) == 0 {
		return fmt.Errorf("contract %s: detail on network %s has no address", contractName, d.Network)
	}
	if d.StartBlock != nil && d.EndBlock != nil && *d.StartBlock > *d.EndBlock {
		return fmt.Errorf("contract %s: start_block %d > end_block %d", contractName, *d.StartBlock, *d.EndBlock)
	}
	return nil
}

// FactorySpec describes dynamic child-contract discovery: a parent event
// whose named input carries a newly deployed contract's address.
type FactorySpec struct {
	EventName string          `yaml:"event_name"`
	InputName string          `yaml:"input_name"`
	ABI       json.RawMessage `yaml:"abi"`
}

// StreamRefs names the configured stream sinks a contract's events publish
// to, indexing into Storage.Streams by kind.
type StreamRefs struct {
	Webhooks []string `yaml:"webhooks"`
	NATS     []string `yaml:"nats"`
	Kafka    []string `yaml:"kafka"`
	RabbitMQ []string `yaml:"rabbitmq"`
	SNS      []string `yaml:"sns"`
	SQS      []string `yaml:"sqs"`
	Redis    []string `yaml:"redis"`
}

// Contract is one ABI, its per-network bindings, and the subset of events
// to index.
type Contract struct {
	Name          string              `yaml:"name"`
	Details       []ContractDetail    `yaml:"details"`
	ABI           json.RawMessage     `yaml:"abi"`
	IncludeEvents []string            `yaml:"include_events"`
	Conditions    map[string]string   `yaml:"conditions"`
	Streams       *StreamRefs         `yaml:"streams"`
	Factory       *FactorySpec        `yaml:"factory"`
	// DependsOn maps one of this contract's event names to the dependency
	// groups ("<contract>.<event>") that must fully acknowledge a block
	// before this event may dispatch for it. A different concern from
	// PostgresConfig.Relationships, which only toggles FK-drop-for-bulk-load
	// in the relational sink.
	DependsOn map[string][]string `yaml:"depends_on"`

	// Events is populated by Load after parsing ABI; empty until then.
	Events []abidecode.EventDescriptor `yaml:"-"`

	// Filters is populated by Load after parsing Conditions; empty until then.
	Filters map[string]predicate.Expr `yaml:"-"`
}

func (c Contract) validate() error {
	if c.Name == "" {
		return fmt.Errorf("contract: name is required")
	}
	if len(c.ABI) == 0 {
		return fmt.Errorf("contract %s: abi is required", c.Name)
	}
	if len(c.Details) == 0 && c.Factory == nil {
		return fmt.Errorf("contract %s: must have details or a factory", c.Name)
	}
	for _, d := range c.Details {
		if err := d.validate(c.Name); err != nil {
			return err
		}
	}
	return nil
}

// PostgresConfig enables the relational sink.
type PostgresConfig struct {
	Enabled       bool `yaml:"enabled"`
	Relationships bool `yaml:"relationships"`
	Indexes       bool `yaml:"indexes"`
}

// ClickhouseConfig enables the columnar sink.
type ClickhouseConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CSVConfig enables the flat-file sink.
type CSVConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WebhookStream is one HTTP push destination.
type WebhookStream struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Secret string `yaml:"shared_secret"`
}

// NATSStream publishes to one JetStream stream with a configurable subject
// prefix, generalizing the teacher's fixed "POLYMARKET" subject.
type NATSStream struct {
	Name          string        `yaml:"name"`
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// KafkaStream is one topic on a broker set.
type KafkaStream struct {
	Name    string   `yaml:"name"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RabbitMQStream is one exchange/routing-key pair.
type RabbitMQStream struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// SNSStream publishes to one SNS topic.
type SNSStream struct {
	Name     string `yaml:"name"`
	TopicARN string `yaml:"topic_arn"`
}

// SQSStream publishes to one SQS queue.
type SQSStream struct {
	Name     string `yaml:"name"`
	QueueURL string `yaml:"queue_url"`
}

// RedisStream publishes to one Redis Streams key.
type RedisStream struct {
	Name   string `yaml:"name"`
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
}

// StreamsConfig is the named pool of stream-sink destinations a contract or
// native-transfer block can reference by name.
type StreamsConfig struct {
	Webhooks []WebhookStream  `yaml:"webhooks"`
	NATS     []NATSStream     `yaml:"nats"`
	Kafka    []KafkaStream    `yaml:"kafka"`
	RabbitMQ []RabbitMQStream `yaml:"rabbitmq"`
	SNS      []SNSStream      `yaml:"sns"`
	SQS      []SQSStream      `yaml:"sqs"`
	Redis    []RedisStream    `yaml:"redis"`
}

// Storage is the set of configured sink backends.
type Storage struct {
	Postgres   *PostgresConfig   `yaml:"postgres"`
	Clickhouse *ClickhouseConfig `yaml:"clickhouse"`
	CSV        *CSVConfig        `yaml:"csv"`
	Streams    *StreamsConfig    `yaml:"streams"`
}

// NativeTransferDetail scopes native-currency transfer indexing to a
// network and optional block range.
type NativeTransferDetail struct {
	Network    string  `yaml:"network"`
	StartBlock *uint64 `yaml:"start_block"`
	EndBlock   *uint64 `yaml:"end_block"`
}

// NativeTransfers configures indexing of native-currency value transfers,
// which have no ABI and are sourced from block/transaction data rather than
// logs.
type NativeTransfers struct {
	Enabled bool                   `yaml:"enabled"`
	Details []NativeTransferDetail `yaml:"details"`
	Streams *StreamRefs            `yaml:"streams"`
}

// GlobalContract is a contract referenced only for read calls (e.g. factory
// discovery view functions), not log indexing.
type GlobalContract struct {
	Name    string          `yaml:"name"`
	Network string          `yaml:"network"`
	Address string          `yaml:"address"`
	ABI     json.RawMessage `yaml:"abi"`
}

// Global holds manifest-wide contract references outside the per-event
// indexing path.
type Global struct {
	Contracts []GlobalContract `yaml:"contracts"`
}

// Manifest is the root document.
type Manifest struct {
	Name            string           `yaml:"name"`
	Description     string           `yaml:"description"`
	ProjectType     ProjectType      `yaml:"project_type"`
	Networks        []Network        `yaml:"networks"`
	Storage         Storage          `yaml:"storage"`
	Contracts       []Contract       `yaml:"contracts"`
	NativeTransfers *NativeTransfers `yaml:"native_transfers"`
	Global          Global           `yaml:"global"`

	networksByName map[string]Network
}

// NetworkByName looks up a configured network, returning false if absent.
func (m *Manifest) NetworkByName(name string) (Network, bool) {
	n, ok := m.networksByName[name]
	return n, ok
}

func (m *Manifest) index() {
	m.networksByName = make(map[string]Network, len(m.Networks))
	for _, n := range m.Networks {
		m.networksByName[n.Name] = n
	}
}

func (m *Manifest) validate() error {
	if len(m.Networks) == 0 {
		return fmt.Errorf("manifest: at least one network is required")
	}
	names := make(map[string]bool, len(m.Networks))
	for _, n := range m.Networks {
		if err := n.validate(); err != nil {
			return err
		}
		if names[n.Name] {
			return fmt.Errorf("manifest: duplicate network name %s", n.Name)
		}
		names[n.Name] = true
	}

	contractNames := make(map[string]bool, len(m.Contracts))
	for _, c := range m.Contracts {
		if err := c.validate(); err != nil {
			return err
		}
		if contractNames[c.Name] {
			return fmt.Errorf("manifest: duplicate contract name %s", c.Name)
		}
		contractNames[c.Name] = true
		for _, d := range c.Details {
			if !names[d.Network] {
				return fmt.Errorf("contract %s: references unknown network %s", c.Name, d.Network)
			}
		}
	}

	if m.NativeTransfers != nil {
		for _, d := range m.NativeTransfers.Details {
			if !names[d.Network] {
				return fmt.Errorf("native_transfers: references unknown network %s", d.Network)
			}
		}
	}

	return nil
}

// resolveEvents parses each contract's ABI and fills in Events from
// IncludeEvents, rejecting contracts whose include_events names an event
// absent from the ABI.
func (m *Manifest) resolveEvents() error {
	for i := range m.Contracts {
		c := &m.Contracts[i]
		parsed, err := abidecode.ParseABI(c.ABI)
		if err != nil {
			return fmt.Errorf("contract %s: %w", c.Name, err)
		}
		descriptors, err := abidecode.EventDescriptors(parsed, c.IncludeEvents)
		if err != nil {
			return fmt.Errorf("contract %s: %w", c.Name, err)
		}
		if len(c.IncludeEvents) > 0 && len(descriptors) != len(c.IncludeEvents) {
			found := make(map[string]bool, len(descriptors))
			for _, d := range descriptors {
				found[d.Name] = true
			}
			for _, want := range c.IncludeEvents {
				if !found[want] {
					return fmt.Errorf("contract %s: include_events names %s, not present in abi", c.Name, want)
				}
			}
		}
		c.Events = descriptors
	}
	return nil
}

// resolveFilters compiles each contract's per-event predicate expressions,
// rejecting a condition named for an event the contract does not index.
func (m *Manifest) resolveFilters() error {
	for i := range m.Contracts {
		c := &m.Contracts[i]
		if len(c.Conditions) == 0 {
			continue
		}

		known := make(map[string]bool, len(c.Events))
		for _, ev := range c.Events {
			known[ev.Name] = true
		}

		filters := make(map[string]predicate.Expr, len(c.Conditions))
		for eventName, exprStr := range c.Conditions {
			if !known[eventName] {
				return fmt.Errorf("contract %s: conditions names event %s, not present in include_events", c.Name, eventName)
			}
			expr, err := predicate.Parse(exprStr)
			if err != nil {
				return fmt.Errorf("contract %s: condition for %s: %w", c.Name, eventName, err)
			}
			filters[eventName] = expr
		}
		c.Filters = filters
	}
	return nil
}

// resolveDependencies validates every contract's depends_on declarations:
// the key must name one of that contract's own indexed events, and each
// value must reference a dependency group ("<contract>.<event>") produced
// by some indexed event somewhere in the manifest.
func (m *Manifest) resolveDependencies() error {
	groups := make(map[string]bool)
	for _, c := range m.Contracts {
		for _, ev := range c.Events {
			groups[c.Name+"."+ev.Name] = true
		}
	}

	for _, c := range m.Contracts {
		if len(c.DependsOn) == 0 {
			continue
		}
		known := make(map[string]bool, len(c.Events))
		for _, ev := range c.Events {
			known[ev.Name] = true
		}
		for eventName, deps := range c.DependsOn {
			if !known[eventName] {
				return fmt.Errorf("contract %s: depends_on names event %s, not present in include_events", c.Name, eventName)
			}
			for _, dep := range deps {
				if !groups[dep] {
					return fmt.Errorf("contract %s: depends_on for %s references unknown dependency group %s", c.Name, eventName, dep)
				}
			}
		}
	}
	return nil
}
