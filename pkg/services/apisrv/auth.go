package apisrv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
	"github.com/pricefeed-oracle/orchestrator/pkg/crypto/keys"
)

// AuthHeader carries "<pubkey>.<hex signature>.<nonce>".
const AuthHeader = "Authorization"

// NonceStore persists the last accepted request nonce per node.
type NonceStore interface {
	GetNonce(pubkey string) (uint64, error)
	PutNonce(pubkey string, nonce uint64) error
}

// authenticator checks signed request headers of cluster nodes. Nonces must
// grow for every request of the node.
type authenticator struct {
	store  NonceStore
	isNode func(pubkey string) bool

	// lock serializes nonce check-and-update.
	lock  sync.Mutex
	cache *lru.Cache
}

func newAuthenticator(store NonceStore, isNode func(string) bool, cacheSize int) (*authenticator, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &authenticator{store: store, isNode: isNode, cache: cache}, nil
}

// authenticate verifies the request signature and returns the node key.
// body is the raw request body for POST requests.
func (a *authenticator) authenticate(r *http.Request, body []byte) (string, error) {
	h := r.Header.Get(AuthHeader)
	if h == "" {
		return "", unauthorized("Authorization header is required")
	}
	parts := strings.Split(h, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", unauthorized("Invalid authorization header")
	}
	pubkey, sig := parts[0], parts[1]
	nonce, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return "", unauthorized("Invalid nonce")
	}
	if !a.isNode(pubkey) {
		return "", unauthorized("Pubkey is not registered")
	}
	pub, err := keys.NewPublicKeyFromString(pubkey)
	if err != nil {
		return "", unauthorized("Invalid pubkey")
	}

	payload, err := signedPayload(r, body, nonce)
	if err != nil {
		return "", err
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	last, err := a.lastNonce(pubkey)
	if err != nil {
		return "", err
	}
	if nonce <= last {
		return "", unauthorized("Invalid nonce")
	}
	if !pub.VerifyDigest(sig, append([]byte(pubkey+":"), payload...)) {
		return "", unauthorized("Invalid signature")
	}
	if err := a.store.PutNonce(pubkey, nonce); err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}
	a.cache.Add(pubkey, nonce)
	return pubkey, nil
}

func (a *authenticator) lastNonce(pubkey string) (uint64, error) {
	if v, ok := a.cache.Get(pubkey); ok {
		return v.(uint64), nil
	}
	n, err := a.store.GetNonce(pubkey)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	a.cache.Add(pubkey, n)
	return n, nil
}

// signedPayload returns the JSON the node signs. For GET it's the quoted
// "path?query" string with the nonce added to the sorted query, for POST
// it's the canonical body with the nonce field.
func signedPayload(r *http.Request, body []byte, nonce uint64) ([]byte, error) {
	switch r.Method {
	case http.MethodGet:
		q := url.Values{}
		for k, v := range r.URL.Query() {
			q[k] = v
		}
		q.Set("nonce", strconv.FormatUint(nonce, 10))
		return json.Marshal(strings.TrimPrefix(r.URL.Path, "/") + "?" + q.Encode())
	case http.MethodPost, http.MethodPut:
		m := make(map[string]any)
		if len(bytes.TrimSpace(body)) != 0 {
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.UseNumber()
			if err := dec.Decode(&m); err != nil {
				return nil, badRequest("Invalid JSON body")
			}
		}
		m["nonce"] = json.Number(strconv.FormatUint(nonce, 10))
		return clusterconfig.CanonicalJSON(m)
	default:
		return nil, unauthorized("Invalid request method")
	}
}
