package feed

import (
	"fmt"
	"strings"
)

// Category is the FTSO feed category domain
type Category uint8

const (
	CategoryNone      Category = 0
	CategoryCrypto    Category = 1
	CategoryForex     Category = 2
	CategoryCommodity Category = 3
	CategoryStock     Category = 4
)

func (c Category) String() string {
	switch c {
	case CategoryCrypto:
		return "crypto"
	case CategoryForex:
		return "forex"
	case CategoryCommodity:
		return "commodity"
	case CategoryStock:
		return "stock"
	default:
		return "none"
	}
}

// ParseCategory maps a config token ("crypto", "01", "1") to a Category
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crypto", "01", "1":
		return CategoryCrypto, nil
	case "forex", "fx", "02", "2":
		return CategoryForex, nil
	case "commodity", "03", "3":
		return CategoryCommodity, nil
	case "stock", "equity", "04", "4":
		return CategoryStock, nil
	default:
		return CategoryNone, fmt.Errorf("unknown feed category: %q", s)
	}
}

// ID identifies a feed by category and human symbol ("BTC/USD").
// Equality is structural; map keys use the stable encoding Key().
type ID struct {
	Category Category `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
}

// Key returns the stable string encoding "category:name"
func (id ID) Key() string {
	return fmt.Sprintf("%d:%s", id.Category, id.Name)
}

func (id ID) String() string {
	return id.Key()
}

// ParseKey reverses Key. The name part may itself contain ':'; only the
// first separator splits.
func ParseKey(key string) (ID, error) {
	cat, name, ok := strings.Cut(key, ":")
	if !ok || cat == "" || name == "" {
		return ID{}, fmt.Errorf("malformed feed key: %q", key)
	}
	c, err := ParseCategory(cat)
	if err != nil {
		return ID{}, err
	}
	return ID{Category: c, Name: name}, nil
}

// SourceRef names one (exchange, symbol) input for a feed
type SourceRef struct {
	Exchange string `json:"exchange" yaml:"exchange"`
	Symbol   string `json:"symbol" yaml:"symbol"`
}

// Config binds a feed to the exchange symbols that serve it.
// The orchestrator reads these once at startup; duplicate
// (exchange, symbol) pairs across feeds coalesce into one subscription.
type Config struct {
	Feed    ID          `json:"feed" yaml:"feed"`
	Sources []SourceRef `json:"sources" yaml:"sources"`
}
