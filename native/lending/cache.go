package lending

import (
	"fmt"
	"sort"
)

// AssetCache is a per-batch read-through view of listed assets. Each asset
// is loaded, cloned and accrued once, so every read within a batch observes
// the same state.
type AssetCache struct {
	state    EngineState
	nowMs    uint64
	discount uint32
	assets   map[TokenID]*Asset
	dirty    map[TokenID]struct{}
	splits   map[TokenID]InterestSplit
}

// NewAssetCache binds a cache to the state snapshot at nowMs.
func NewAssetCache(state EngineState, nowMs uint64, marginDebtDiscountBps uint32) *AssetCache {
	return &AssetCache{
		state:    state,
		nowMs:    nowMs,
		discount: marginDebtDiscountBps,
		assets:   make(map[TokenID]*Asset),
		dirty:    make(map[TokenID]struct{}),
		splits:   make(map[TokenID]InterestSplit),
	}
}

// Get returns the accrued asset for reading.
func (c *AssetCache) Get(token TokenID) (*Asset, error) {
	if asset, ok := c.assets[token]; ok {
		return asset, nil
	}
	stored, err := c.state.GetAsset(token)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, token)
	}
	asset := stored.Clone()
	c.splits[token] = asset.Update(c.nowMs, c.discount)
	c.assets[token] = asset
	return asset, nil
}

// Mut returns the accrued asset and marks it for persistence.
func (c *AssetCache) Mut(token TokenID) (*Asset, error) {
	asset, err := c.Get(token)
	if err != nil {
		return nil, err
	}
	c.dirty[token] = struct{}{}
	return asset, nil
}

// Insert stages a newly listed asset.
func (c *AssetCache) Insert(asset *Asset) {
	c.assets[asset.Token] = asset
	c.dirty[asset.Token] = struct{}{}
}

// Dirty returns the assets to persist, normalised and sorted by token.
func (c *AssetCache) Dirty() ([]*Asset, error) {
	tokens := make([]TokenID, 0, len(c.dirty))
	for token := range c.dirty {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	out := make([]*Asset, 0, len(tokens))
	for _, token := range tokens {
		asset := c.assets[token]
		asset.Normalize()
		if err := asset.Validate(); err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, nil
}

// Accrued reports the interest attributed while loading token in this batch.
func (c *AssetCache) Accrued(token TokenID) (InterestSplit, bool) {
	split, ok := c.splits[token]
	return split, ok
}
