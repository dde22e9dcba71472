package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const erc20ABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func validManifestYAML(abi string) string {
	return `
name: test
project_type: no-code
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
    reorg_safe_distance: 12
storage:
  postgres:
    enabled: true
contracts:
  - name: token
    abi: '` + abi + `'
    include_events: ["Transfer"]
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
        start_block: 100
`
}

func TestLoadValidManifest(t *testing.T) {
	path := writeManifest(t, validManifestYAML(erc20ABI))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Contracts, 1)
	require.Len(t, m.Contracts[0].Events, 1)
	require.Equal(t, "Transfer", m.Contracts[0].Events[0].Name)

	net, ok := m.NetworkByName("mainnet")
	require.True(t, ok)
	require.Equal(t, uint64(1), net.ChainID)
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeManifest(t, validManifestYAML(erc20ABI)+"\nnonexistent_field: true\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownNestedKey(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
    bogus_nested_key: 1
contracts:
  - name: token
    abi: '` + erc20ABI + `'
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadBlockRange(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: token
    abi: '` + erc20ABI + `'
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
        start_block: 500
        end_block: 100
`
	path := writeManifest(t, body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownNetworkReference(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: token
    abi: '` + erc20ABI + `'
    details:
      - network: polygon
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadResolvesConditionIntoFilter(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: token
    abi: '` + erc20ABI + `'
    include_events: ["Transfer"]
    conditions:
      Transfer: "value > 1000"
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	m, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, m.Contracts[0].Filters, "Transfer")
}

func TestLoadRejectsConditionForUnknownEvent(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: token
    abi: '` + erc20ABI + `'
    include_events: ["Transfer"]
    conditions:
      Approval: "value > 1000"
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadResolvesNATSStreamReference(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
storage:
  streams:
    nats:
      - name: primary
        url: nats://example.invalid:4222
        stream_name: EVENTS
        subject_prefix: rindexer
contracts:
  - name: token
    abi: '` + erc20ABI + `'
    include_events: ["Transfer"]
    streams:
      nats: ["primary"]
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	m, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, m.Storage.Streams)
	require.Len(t, m.Storage.Streams.NATS, 1)
	require.Equal(t, "primary", m.Storage.Streams.NATS[0].Name)
	require.NotNil(t, m.Contracts[0].Streams)
	require.Equal(t, []string{"primary"}, m.Contracts[0].Streams.NATS)
}

func TestLoadRejectsIncludeEventNotInABI(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: token
    abi: '` + erc20ABI + `'
    include_events: ["DoesNotExist"]
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsValidDependsOn(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: oracle
    abi: '` + erc20ABI + `'
    include_events: ["Transfer"]
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
  - name: market
    abi: '` + erc20ABI + `'
    include_events: ["Transfer"]
    depends_on:
      Transfer: ["oracle.Transfer"]
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000002"
`
	path := writeManifest(t, body)

	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"Transfer": {"oracle.Transfer"}}, m.Contracts[1].DependsOn)
}

func TestLoadRejectsDependsOnUnknownGroup(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: market
    abi: '` + erc20ABI + `'
    include_events: ["Transfer"]
    depends_on:
      Transfer: ["nonexistent.Event"]
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDependsOnUnknownEventName(t *testing.T) {
	body := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
    max_block_range: 2000
contracts:
  - name: market
    abi: '` + erc20ABI + `'
    include_events: ["Transfer"]
    depends_on:
      DoesNotExist: ["market.Transfer"]
    details:
      - network: mainnet
        address: "0x0000000000000000000000000000000000000001"
`
	path := writeManifest(t, body)

	_, err := Load(path)
	require.Error(t, err)
}
