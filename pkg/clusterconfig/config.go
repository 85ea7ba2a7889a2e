/*
Package clusterconfig contains the cluster configuration data model: the
configuration blob shared by all oracle nodes, signed envelopes carrying it
through voting and the rules used to compare and classify configurations.
*/
package clusterconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"

	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
)

// ContractType is a kind of contract served by the cluster.
type ContractType string

// Supported contract types.
const (
	ContractOracle        ContractType = "oracle"
	ContractSubscriptions ContractType = "subscriptions"
)

// WasmHashLength is the length of hex-encoded contract code hash.
const WasmHashLength = 64

type (
	// Asset is a priced asset reference.
	Asset struct {
		Type int    `json:"type"`
		Code string `json:"code"`
	}

	// Contract is a single contract configuration.
	Contract struct {
		ContractID string       `json:"contractId"`
		Admin      string       `json:"admin"`
		Type       ContractType `json:"type"`
		DataSource string       `json:"dataSource,omitempty"`
		BaseAsset  *Asset       `json:"baseAsset,omitempty"`
		Decimals   int          `json:"decimals,omitempty"`
		Assets     []Asset      `json:"assets,omitempty"`
		Timeframe  uint64       `json:"timeframe,omitempty"`
		Period     uint64       `json:"period,omitempty"`
		Fee        uint64       `json:"fee,omitempty"`
	}

	// Node is a cluster member. PubKey is the base58 Ed25519 key.
	Node struct {
		PubKey string `json:"pubkey"`
		URL    string `json:"url,omitempty"`
		Domain string `json:"domain,omitempty"`
	}

	// Config is the operating configuration agreed upon by the cluster.
	Config struct {
		SystemAccount string               `json:"systemAccount"`
		Network       string               `json:"network"`
		MinDate       int64                `json:"minDate,omitempty"`
		WasmHash      string               `json:"wasmHash,omitempty"`
		ClusterSecret string               `json:"clusterSecret,omitempty"`
		Contracts     map[string]*Contract `json:"contracts"`
		Nodes         map[string]*Node     `json:"nodes"`
	}
)

// NodePubkeys returns sorted node keys.
func (c *Config) NodePubkeys() []string {
	res := make([]string, 0, len(c.Nodes))
	for k := range c.Nodes {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// HasNode checks whether the node with the given key is a cluster member.
func (c *Config) HasNode(pubkey string) bool {
	_, ok := c.Nodes[pubkey]
	return ok
}

// Issues returns the list of structural problems found in the config, empty
// list means the config is valid.
func (c *Config) Issues() []string {
	var issues []string
	if c.SystemAccount == "" {
		issues = append(issues, "systemAccount is not defined")
	}
	if c.Network == "" {
		issues = append(issues, "network is not defined")
	}
	if c.MinDate < 0 {
		issues = append(issues, "minDate is negative")
	}
	if c.WasmHash != "" {
		if b, err := hex.DecodeString(c.WasmHash); err != nil || len(b)*2 != WasmHashLength {
			issues = append(issues, "wasmHash is invalid")
		}
	}
	if len(c.Nodes) == 0 {
		issues = append(issues, "nodes are not defined")
	}
	for _, k := range c.NodePubkeys() {
		issues = append(issues, nodeIssues(k, c.Nodes[k])...)
	}
	ids := make([]string, 0, len(c.Contracts))
	for id := range c.Contracts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		issues = append(issues, contractIssues(id, c.Contracts[id])...)
	}
	return issues
}

// IsValid is a shortcut for an empty Issues list.
func (c *Config) IsValid() bool {
	return len(c.Issues()) == 0
}

func nodeIssues(key string, n *Node) []string {
	if n == nil {
		return []string{fmt.Sprintf("node %s is empty", key)}
	}
	var issues []string
	if n.PubKey != key {
		issues = append(issues, fmt.Sprintf("node %s: pubkey mismatch", key))
	}
	if _, err := keys.NewPublicKeyFromString(key); err != nil {
		issues = append(issues, fmt.Sprintf("node %s: invalid pubkey", key))
	}
	if n.URL != "" {
		if u, err := url.Parse(n.URL); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, fmt.Sprintf("node %s: invalid url", key))
		}
	}
	return issues
}

func contractIssues(id string, c *Contract) []string {
	if c == nil {
		return []string{fmt.Sprintf("contract %s is empty", id)}
	}
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf("contract %s: ", id)+fmt.Sprintf(format, args...))
	}
	if c.ContractID != id {
		add("contractId mismatch")
	}
	if c.Admin == "" {
		add("admin is not defined")
	}
	if c.BaseAsset == nil || c.BaseAsset.Code == "" {
		add("baseAsset is not defined")
	}
	switch c.Type {
	case ContractOracle:
		if c.DataSource == "" {
			add("dataSource is not defined")
		}
		if c.Decimals <= 0 {
			add("decimals should be positive")
		}
		if c.Timeframe == 0 {
			add("timeframe should be positive")
		}
		if c.Period == 0 {
			add("period should be positive")
		} else if c.Period < c.Timeframe {
			add("period should not be less than timeframe")
		}
		if len(c.Assets) == 0 {
			add("assets are not defined")
		}
		seen := make(map[Asset]struct{}, len(c.Assets))
		for _, a := range c.Assets {
			if _, ok := seen[a]; ok {
				add("duplicate asset %s", a.Code)
			}
			seen[a] = struct{}{}
		}
	case ContractSubscriptions:
		if c.Fee == 0 {
			add("fee should be positive")
		}
	default:
		add("unknown type %q", c.Type)
	}
	return issues
}

// Hash returns hex-encoded sha256 of the canonical config representation.
// It only depends on the config contents, so it's stable across signature
// and status changes of the envelope carrying it.
func (c *Config) Hash() (string, error) {
	data, err := CanonicalJSON(c)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// Equal compares configs by their canonical representation.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	h1, err1 := c.Hash()
	h2, err2 := other.Hash()
	return err1 == nil && err2 == nil && h1 == h2
}

// Copy returns a deep copy of the config.
func (c *Config) Copy() *Config {
	if c == nil {
		return nil
	}
	res := *c
	res.Contracts = make(map[string]*Contract, len(c.Contracts))
	for k, v := range c.Contracts {
		if v == nil {
			res.Contracts[k] = nil
			continue
		}
		cp := *v
		if v.BaseAsset != nil {
			a := *v.BaseAsset
			cp.BaseAsset = &a
		}
		cp.Assets = append([]Asset(nil), v.Assets...)
		res.Contracts[k] = &cp
	}
	res.Nodes = make(map[string]*Node, len(c.Nodes))
	for k, v := range c.Nodes {
		if v == nil {
			res.Nodes[k] = nil
			continue
		}
		n := *v
		res.Nodes[k] = &n
	}
	return &res
}

// Redacted returns a copy of the config without private fields: node URLs
// and the cluster secret.
func (c *Config) Redacted() *Config {
	res := c.Copy()
	if res == nil {
		return nil
	}
	res.ClusterSecret = ""
	for _, n := range res.Nodes {
		if n != nil {
			n.URL = ""
		}
	}
	return res
}
