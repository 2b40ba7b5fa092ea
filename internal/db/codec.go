package db

import (
	"fmt"

	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Coin state record fields. Heights are omitted while unset.
const (
	fieldParent        protowire.Number = 1
	fieldPuzzleHash    protowire.Number = 2
	fieldAmount        protowire.Number = 3
	fieldSpentHeight   protowire.Number = 4
	fieldCreatedHeight protowire.Number = 5
)

func encodeCoinState(cs model.CoinState) []byte {
	b := make([]byte, 0, 96)
	b = protowire.AppendTag(b, fieldParent, protowire.BytesType)
	b = protowire.AppendBytes(b, cs.Coin.ParentCoinInfo[:])
	b = protowire.AppendTag(b, fieldPuzzleHash, protowire.BytesType)
	b = protowire.AppendBytes(b, cs.Coin.PuzzleHash[:])
	b = protowire.AppendTag(b, fieldAmount, protowire.VarintType)
	b = protowire.AppendVarint(b, cs.Coin.Amount)
	if cs.SpentHeight != nil {
		b = protowire.AppendTag(b, fieldSpentHeight, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*cs.SpentHeight))
	}
	if cs.CreatedHeight != nil {
		b = protowire.AppendTag(b, fieldCreatedHeight, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*cs.CreatedHeight))
	}
	return b
}

func decodeCoinState(b []byte) (model.CoinState, error) {
	var cs model.CoinState
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return cs, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case (num == fieldParent || num == fieldPuzzleHash) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return cs, protowire.ParseError(n)
			}
			h, err := model.Bytes32FromSlice(v)
			if err != nil {
				return cs, fmt.Errorf("field %d: %w", num, err)
			}
			if num == fieldParent {
				cs.Coin.ParentCoinInfo = h
			} else {
				cs.Coin.PuzzleHash = h
			}
			b = b[n:]
		case num >= fieldAmount && num <= fieldCreatedHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return cs, protowire.ParseError(n)
			}
			switch num {
			case fieldAmount:
				cs.Coin.Amount = v
			case fieldSpentHeight:
				cs.SpentHeight = model.Height(uint32(v))
			case fieldCreatedHeight:
				cs.CreatedHeight = model.Height(uint32(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return cs, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return cs, nil
}
