package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"MarketMirror/internal/event"
)

// ParseFact converts a raw JSON payload plus a kind name into a typed fact.
// The ingestion shell parses and validates before handing to the reconciler;
// wire field names are snake_case to match the ledger gateway, and prices
// travel as decimal strings because wei-scale values overflow JSON numbers.
func ParseFact(kind string, data []byte) (event.Fact, error) {
	switch event.KindFromString(kind) {
	case event.KindMinted:
		return parseMinted(data)
	case event.KindListed:
		return parseListed(data)
	case event.KindDelisted:
		return parseDelisted(data)
	case event.KindSold:
		return parseSold(data)
	default:
		return nil, fmt.Errorf("unknown fact kind: %q", kind)
	}
}

// ParseEnvelope parses a self-describing payload that carries its own "kind"
// field. Used by the HTTP fact intake, where there is no subject to encode
// the kind.
func ParseEnvelope(data []byte) (event.Fact, error) {
	var env struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return ParseFact(env.Kind, data)
}

// --- JSON wire formats ---

type mintedJSON struct {
	FactID      string            `json:"fact_id"`
	TokenID     uint64            `json:"token_id"`
	Creator     string            `json:"creator"`
	Owner       string            `json:"owner"`
	Purchasable bool              `json:"purchasable"`
	Price       string            `json:"price,omitempty"`
	MetadataURI string            `json:"metadata_uri"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Image       string            `json:"image"`
	Category    string            `json:"category"`
	Attributes  []event.Attribute `json:"attributes"`
	BlockNumber int64             `json:"block_number"`
	TimestampUs int64             `json:"timestamp_us"`
}

func parseMinted(data []byte) (*event.Minted, error) {
	var j mintedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Minted: %w", err)
	}

	price, err := parsePrice(j.Price, false)
	if err != nil {
		return nil, fmt.Errorf("parse Minted price: %w", err)
	}

	return &event.Minted{
		ID:          j.FactID,
		TokenID:     j.TokenID,
		Creator:     j.Creator,
		Owner:       j.Owner,
		Purchasable: j.Purchasable,
		Price:       price,
		MetadataURI: j.MetadataURI,
		Name:        j.Name,
		Description: j.Description,
		Image:       j.Image,
		Category:    j.Category,
		Attributes:  j.Attributes,
		BlockNumber: j.BlockNumber,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type listedJSON struct {
	FactID      string `json:"fact_id"`
	TokenID     uint64 `json:"token_id"`
	Price       string `json:"price"`
	By          string `json:"by"`
	BlockNumber int64  `json:"block_number"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseListed(data []byte) (*event.Listed, error) {
	var j listedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Listed: %w", err)
	}

	price, err := parsePrice(j.Price, true)
	if err != nil {
		return nil, fmt.Errorf("parse Listed price: %w", err)
	}

	return &event.Listed{
		ID:          j.FactID,
		TokenID:     j.TokenID,
		Price:       price,
		By:          j.By,
		BlockNumber: j.BlockNumber,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type delistedJSON struct {
	FactID      string `json:"fact_id"`
	TokenID     uint64 `json:"token_id"`
	By          string `json:"by"`
	BlockNumber int64  `json:"block_number"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDelisted(data []byte) (*event.Delisted, error) {
	var j delistedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Delisted: %w", err)
	}

	return &event.Delisted{
		ID:          j.FactID,
		TokenID:     j.TokenID,
		By:          j.By,
		BlockNumber: j.BlockNumber,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type soldJSON struct {
	FactID      string `json:"fact_id"`
	TokenID     uint64 `json:"token_id"`
	Buyer       string `json:"buyer"`
	Price       string `json:"price"`
	BlockNumber int64  `json:"block_number"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSold(data []byte) (*event.Sold, error) {
	var j soldJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Sold: %w", err)
	}

	price, err := parsePrice(j.Price, true)
	if err != nil {
		return nil, fmt.Errorf("parse Sold price: %w", err)
	}

	return &event.Sold{
		ID:          j.FactID,
		TokenID:     j.TokenID,
		Buyer:       j.Buyer,
		Price:       price,
		BlockNumber: j.BlockNumber,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// parsePrice converts a decimal string into an exact integer amount in the
// ledger's smallest unit. Empty is allowed only when the field is optional.
func parsePrice(s string, required bool) (*big.Int, error) {
	if s == "" {
		if required {
			return nil, fmt.Errorf("price missing")
		}
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed price %q", s)
	}
	return v, nil
}
