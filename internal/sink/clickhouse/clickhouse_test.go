package clickhouse

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestJsonableRendersDomainTypesAsStrings(t *testing.T) {
	require.Equal(t, "12345", jsonable(big.NewInt(12345)))

	addr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	require.Equal(t, addr.Hex(), jsonable(addr))

	require.Equal(t, "hello", jsonable("hello"))
}

func TestMarshalFieldsProducesValidJSON(t *testing.T) {
	data, err := marshalFields(map[string]any{
		"amount": big.NewInt(42),
		"to":     common.HexToAddress("0x0000000000000000000000000000000000000002"),
	})
	require.NoError(t, err)
	require.Contains(t, string(data), `"amount":"42"`)
}
