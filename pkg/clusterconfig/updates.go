package clusterconfig

import (
	"sort"
)

// UpdateType is a kind of change between two configs.
type UpdateType string

// Update types.
const (
	UpdateNodes           UpdateType = "nodes"
	UpdateContracts       UpdateType = "contracts"
	UpdateAssets          UpdateType = "assets"
	UpdatePeriod          UpdateType = "period"
	UpdateFee             UpdateType = "fee"
	UpdateWasm            UpdateType = "wasm"
	UpdateContractRemoved UpdateType = "contract-removed"
	UpdateNetworkMeta     UpdateType = "network-meta"
)

// Update is a single change, ContractID is set for contract-level updates.
type Update struct {
	Type       UpdateType `json:"type"`
	ContractID string     `json:"contractId,omitempty"`
	// Assets contains appended assets for UpdateAssets.
	Assets []Asset `json:"assets,omitempty"`
	// Value is the new period or fee.
	Value uint64 `json:"value,omitempty"`
}

// IsBlockchainUpdate tells whether the update needs an on-chain transaction.
// Network metadata (min date, system account, cluster secret, node urls and
// domains) lives off-chain only.
func (u Update) IsBlockchainUpdate() bool {
	return u.Type != UpdateNetworkMeta
}

// HasBlockchainUpdates checks whether any of updates needs a transaction.
func HasBlockchainUpdates(updates []Update) bool {
	for _, u := range updates {
		if u.IsBlockchainUpdate() {
			return true
		}
	}
	return false
}

// BuildUpdates computes the ordered list of changes needed to move from
// current config to next. It returns ValidationError for changes that can't
// be applied at all (network switch, immutable contract fields, removed
// assets). Empty result means configs are equivalent.
func BuildUpdates(current, next *Config) ([]Update, error) {
	if current.Network != next.Network {
		return nil, NewValidationError("network can't be changed")
	}
	var updates []Update
	if current.WasmHash != next.WasmHash && next.WasmHash != "" {
		updates = append(updates, Update{Type: UpdateWasm})
	}

	nodesChanged, metaChanged := compareNodes(current.Nodes, next.Nodes)
	if nodesChanged {
		updates = append(updates, Update{Type: UpdateNodes})
	}

	ids := make(map[string]struct{}, len(current.Contracts)+len(next.Contracts))
	for id := range current.Contracts {
		ids[id] = struct{}{}
	}
	for id := range next.Contracts {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		cur, nxt := current.Contracts[id], next.Contracts[id]
		switch {
		case cur == nil:
			updates = append(updates, Update{Type: UpdateContracts, ContractID: id})
		case nxt == nil:
			updates = append(updates, Update{Type: UpdateContractRemoved, ContractID: id})
		default:
			cu, err := contractUpdates(cur, nxt)
			if err != nil {
				return nil, err
			}
			updates = append(updates, cu...)
		}
	}

	if metaChanged || current.MinDate != next.MinDate ||
		current.SystemAccount != next.SystemAccount ||
		current.ClusterSecret != next.ClusterSecret {
		updates = append(updates, Update{Type: UpdateNetworkMeta})
	}
	return updates, nil
}

func compareNodes(current, next map[string]*Node) (keysChanged bool, metaChanged bool) {
	if len(current) != len(next) {
		keysChanged = true
	}
	for k, n := range next {
		c, ok := current[k]
		if !ok {
			keysChanged = true
			continue
		}
		if c == nil || n == nil {
			metaChanged = metaChanged || c != n
			continue
		}
		if c.URL != n.URL || c.Domain != n.Domain {
			metaChanged = true
		}
	}
	return keysChanged, metaChanged
}

func contractUpdates(cur, nxt *Contract) ([]Update, error) {
	id := cur.ContractID
	if cur.Type != nxt.Type || cur.Admin != nxt.Admin || cur.DataSource != nxt.DataSource ||
		cur.Decimals != nxt.Decimals || cur.Timeframe != nxt.Timeframe ||
		!assetPtrEqual(cur.BaseAsset, nxt.BaseAsset) {
		return nil, NewValidationError("contract %s: immutable field changed", id)
	}
	var res []Update
	if len(nxt.Assets) < len(cur.Assets) {
		return nil, NewValidationError("contract %s: assets can't be removed", id)
	}
	for i := range cur.Assets {
		if cur.Assets[i] != nxt.Assets[i] {
			return nil, NewValidationError("contract %s: assets can only be appended", id)
		}
	}
	if len(nxt.Assets) > len(cur.Assets) {
		res = append(res, Update{
			Type:       UpdateAssets,
			ContractID: id,
			Assets:     append([]Asset(nil), nxt.Assets[len(cur.Assets):]...),
		})
	}
	if cur.Period != nxt.Period {
		res = append(res, Update{Type: UpdatePeriod, ContractID: id, Value: nxt.Period})
	}
	if cur.Fee != nxt.Fee {
		res = append(res, Update{Type: UpdateFee, ContractID: id, Value: nxt.Fee})
	}
	return res, nil
}

func assetPtrEqual(a, b *Asset) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
