// Package abidecode computes event signature hashes from a contract ABI and
// decodes raw logs into field maps, generalizing the teacher's hand-written
// per-event parsing (internal/handler/events.go) into an ABI-driven decoder.
package abidecode

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Input describes one ABI event argument.
type Input struct {
	Name    string
	Type    string
	Indexed bool
}

// EventDescriptor is the decoded-ABI equivalent of the manifest model's
// EventDescriptor: a name, a unique signature hash, and ordered inputs.
type EventDescriptor struct {
	Name          string
	SignatureHash common.Hash
	Inputs        []Input

	abiEvent abi.Event
}

// ParseABI parses a contract's JSON ABI.
func ParseABI(abiJSON []byte) (abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

// EventDescriptors returns one EventDescriptor per event named in include
// (or every event in the ABI when include is empty), enforcing that every
// signature hash is unique within the ABI.
func EventDescriptors(parsed abi.ABI, include []string) ([]EventDescriptor, error) {
	wanted := toSet(include)

	seen := make(map[common.Hash]string, len(parsed.Events))
	descriptors := make([]EventDescriptor, 0, len(parsed.Events))

	for _, ev := range parsed.Events {
		if len(wanted) > 0 && !wanted[ev.Name] {
			continue
		}

		if existing, dup := seen[ev.ID]; dup {
			return nil, fmt.Errorf("duplicate event signature hash %s shared by %s and %s", ev.ID.Hex(), existing, ev.Name)
		}
		seen[ev.ID] = ev.Name

		inputs := make([]Input, 0, len(ev.Inputs))
		for _, arg := range ev.Inputs {
			inputs = append(inputs, Input{Name: arg.Name, Type: arg.Type.String(), Indexed: arg.Indexed})
		}

		descriptors = append(descriptors, EventDescriptor{
			Name:          ev.Name,
			SignatureHash: ev.ID,
			Inputs:        inputs,
			abiEvent:      ev,
		})
	}

	return descriptors, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Decode verifies topics[0] matches the descriptor's signature hash and
// decodes both indexed (topic) and non-indexed (data) inputs into a single
// field map keyed by argument name.
//
// Dynamic indexed types (string, bytes, arrays, tuples) are keccak-hashed by
// the EVM before being placed in a topic and cannot be recovered; those
// fields are returned as the raw topic hash, matching on-chain behavior.
func Decode(d EventDescriptor, log types.Log) (map[string]any, error) {
	if len(log.Topics) == 0 || log.Topics[0] != d.SignatureHash {
		return nil, fmt.Errorf("log topic0 does not match event %s signature", d.Name)
	}

	indexedArgs := indexedOf(d.abiEvent.Inputs)
	if len(log.Topics)-1 != len(indexedArgs) {
		return nil, fmt.Errorf("event %s: expected %d indexed topics, got %d", d.Name, len(indexedArgs), len(log.Topics)-1)
	}

	fields := make(map[string]any, len(d.Inputs))

	for i, arg := range indexedArgs {
		topic := log.Topics[i+1]
		fields[arg.Name] = decodeTopic(arg.Type, topic)
	}

	nonIndexed := d.abiEvent.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack event %s data: %w", d.Name, err)
		}
		for i, arg := range nonIndexed {
			fields[arg.Name] = values[i]
		}
	}

	return fields, nil
}

func indexedOf(args abi.Arguments) abi.Arguments {
	out := make(abi.Arguments, 0, len(args))
	for _, a := range args {
		if a.Indexed {
			out = append(out, a)
		}
	}
	return out
}

func decodeTopic(t abi.Type, topic common.Hash) any {
	switch t.T {
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes())
	case abi.BoolTy:
		return topic.Big().Sign() != 0
	case abi.IntTy, abi.UintTy:
		v := new(big.Int).SetBytes(topic.Bytes())
		if t.T == abi.IntTy && isNegativeTwosComplement(topic, t.Size) {
			v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
		}
		return v
	case abi.FixedBytesTy:
		return topic
	default:
		// Dynamic type: topic holds keccak256(value), not the value itself.
		return topic
	}
}

func isNegativeTwosComplement(topic common.Hash, bits int) bool {
	if bits <= 0 || bits > 256 {
		return false
	}
	b := topic.Bytes()
	return len(b) > 0 && b[0]&0x80 != 0
}

// CanonicalSignature renders the "Name(type1,type2,...)" string go-ethereum
// hashes to produce an event's signature, useful for diagnostics.
func CanonicalSignature(d EventDescriptor) string {
	types := make([]string, 0, len(d.Inputs))
	for _, in := range d.Inputs {
		types = append(types, in.Type)
	}
	return d.Name + "(" + strings.Join(types, ",") + ")"
}
