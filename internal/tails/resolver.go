package tails

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Supported ledger backend tags. An upload may name one of these in its
// X-Ledger-Type header; anything else is rejected outright rather than
// silently falling back to a default.
const (
	LedgerTypeIndy        = "indy"
	LedgerTypeCentralized = "centralized"
	LedgerTypeProxy       = "proxy"
)

// RevRegDef is the revocation registry definition returned by a ledger
// backend. TailsHash is the base58 SHA-256 digest the uploaded file must
// match; the remaining fields are descriptive metadata recorded in the file
// index.
type RevRegDef struct {
	ID           string `json:"id"`
	CredDefID    string `json:"credDefId"`
	RevocDefType string `json:"revocDefType"`
	Tag          string `json:"tag"`
	Value        struct {
		TailsHash     string `json:"tailsHash"`
		TailsLocation string `json:"tailsLocation"`
	} `json:"value"`
}

// HashResolver maps a revocation registry id plus caller-supplied genesis
// transactions to the registry definition holding the expected tails hash.
// The definition is fetched fresh on every call; results are never cached,
// since the ledger may change between uploads.
type HashResolver interface {
	Resolve(ctx context.Context, revRegID string, genesis []byte) (*RevRegDef, error)
}

// ResolverProvider selects a HashResolver by its validated backend tag.
type ResolverProvider struct {
	resolvers map[string]HashResolver
}

// NewResolverProvider builds the set of available backends. The indy
// backend is always available since it needs nothing beyond the genesis
// transactions supplied with each upload; the centralized and proxy
// backends are registered only when their base URLs are configured.
func NewResolverProvider(centralizedURL string, proxyURL string) *ResolverProvider {
	resolvers := map[string]HashResolver{
		LedgerTypeIndy: &IndyResolver{},
	}

	if centralizedURL != "" {
		resolvers[LedgerTypeCentralized] = &CentralizedResolver{BaseURL: centralizedURL}
	}
	if proxyURL != "" {
		resolvers[LedgerTypeProxy] = &ProxyResolver{BaseURL: proxyURL}
	}

	return &ResolverProvider{resolvers: resolvers}
}

// Register adds or replaces a backend under tag.
func (p *ResolverProvider) Register(tag string, r HashResolver) {
	p.resolvers[tag] = r
}

// Resolver returns the backend registered under tag, or ErrBadLedgerType
// for tags outside the supported set (including supported tags whose
// backend was not configured for this process).
func (p *ResolverProvider) Resolver(tag string) (HashResolver, error) {
	r, ok := p.resolvers[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadLedgerType, tag)
	}
	return r, nil
}

// ------ indy ledger backend ------

// genesisNode is one validator node entry from a pool genesis transaction
// log.
type genesisNode struct {
	Alias    string
	Endpoint string
}

// parseGenesis validates a genesis transaction log (one JSON transaction
// per line) and extracts the client endpoints of its validator nodes.
func parseGenesis(genesis []byte) ([]genesisNode, error) {
	var nodes []genesisNode

	scanner := bufio.NewScanner(bytes.NewReader(genesis))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var txn struct {
			Txn struct {
				Data struct {
					Data struct {
						Alias      string          `json:"alias"`
						ClientIP   string          `json:"client_ip"`
						ClientPort json.RawMessage `json:"client_port"`
					} `json:"data"`
				} `json:"data"`
			} `json:"txn"`
		}
		if err := json.Unmarshal(line, &txn); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadGenesis, err)
		}

		data := txn.Txn.Data.Data
		if data.ClientIP == "" || len(data.ClientPort) == 0 {
			continue
		}

		// client_port appears both as a number and as a quoted string in
		// genesis files found in the wild.
		port := string(bytes.Trim(data.ClientPort, `"`))
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("%w: bad client_port %q", ErrBadGenesis, port)
		}

		nodes = append(nodes, genesisNode{
			Alias:    data.Alias,
			Endpoint: net.JoinHostPort(data.ClientIP, port),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadGenesis, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no validator nodes", ErrBadGenesis)
	}

	return nodes, nil
}

// ledgerQuerier submits one read-only request to a validator node and
// returns the raw reply. The concrete wire encoding used to reach the
// ledger is a collaborator detail hidden behind this seam; the default
// querier speaks JSON over HTTP to the node's client endpoint and never
// reuses the connection.
type ledgerQuerier interface {
	Query(ctx context.Context, endpoint string, request []byte) ([]byte, error)
}

type httpQuerier struct{}

func (httpQuerier) Query(ctx context.Context, endpoint string, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+endpoint+"/", bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	// One transient connection per query, closed regardless of outcome.
	req.Close = true

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s returned status %d", endpoint, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
}

// IndyResolver resolves revocation registry definitions directly against an
// indy network described by the genesis transactions supplied with each
// upload. Every call opens a transient connection to one of the pool's
// validator nodes, submits a single GET_REVOC_REG_DEF read request, and
// closes the connection whether or not the query succeeds.
type IndyResolver struct {
	// Querier overrides the wire transport; nil means JSON over HTTP.
	Querier ledgerQuerier
}

func (r *IndyResolver) Resolve(ctx context.Context, revRegID string, genesis []byte) (*RevRegDef, error) {
	nodes, err := parseGenesis(genesis)
	if err != nil {
		return nil, err
	}

	request, err := json.Marshal(map[string]any{
		"reqId":           rand.Int63(),
		"identifier":      "LibindyDid111111111111",
		"protocolVersion": 2,
		"operation": map[string]any{
			"type": "115",
			"id":   revRegID,
		},
	})
	if err != nil {
		return nil, err
	}

	querier := r.Querier
	if querier == nil {
		querier = httpQuerier{}
	}

	var lastErr error
	for _, node := range nodes {
		reply, err := querier.Query(ctx, node.Endpoint, request)
		if err != nil {
			slog.Debug("Ledger node query failed", "node", node.Alias, "endpoint", node.Endpoint, "err", err)
			lastErr = err
			continue
		}
		return parseLedgerReply(reply)
	}

	return nil, fmt.Errorf("%w: %s", ErrLedgerUnavailable, lastErr)
}

// parseLedgerReply extracts the registry definition from a node reply of
// the form {"op":"REPLY","result":{"data":{...}}}. A reply with null data
// means the ledger holds no definition for the requested id.
func parseLedgerReply(reply []byte) (*RevRegDef, error) {
	var parsed struct {
		Op     string `json:"op"`
		Result struct {
			Data json.RawMessage `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(reply, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed reply: %s", ErrLedgerUnavailable, err)
	}

	if parsed.Op != "REPLY" {
		return nil, fmt.Errorf("%w: node answered with op %q", ErrLedgerUnavailable, parsed.Op)
	}

	if len(parsed.Result.Data) == 0 || bytes.Equal(parsed.Result.Data, []byte("null")) {
		return nil, ErrNotFound
	}

	var def RevRegDef
	if err := json.Unmarshal(parsed.Result.Data, &def); err != nil {
		return nil, fmt.Errorf("%w: malformed definition: %s", ErrLedgerUnavailable, err)
	}

	return &def, nil
}

// ------ centralized backend ------

// CentralizedResolver looks the definition up from a single well-known
// registry service. A non-200 answer is treated as "no record".
type CentralizedResolver struct {
	BaseURL string
	Client  *http.Client
}

func (r *CentralizedResolver) Resolve(ctx context.Context, revRegID string, genesis []byte) (*RevRegDef, error) {
	return fetchDefinition(ctx, r.Client, r.BaseURL+"/api/revocationDefinition/"+revRegID)
}

// ------ delegating proxy backend ------

// ProxyResolver forwards the lookup to a configured VDR proxy instance and
// relays its answer verbatim.
type ProxyResolver struct {
	BaseURL string
	Client  *http.Client
}

func (r *ProxyResolver) Resolve(ctx context.Context, revRegID string, genesis []byte) (*RevRegDef, error) {
	return fetchDefinition(ctx, r.Client, r.BaseURL+"/rev_reg_def/"+revRegID)
}

func fetchDefinition(ctx context.Context, client *http.Client, url string) (*RevRegDef, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrNotFound
	}

	var def RevRegDef
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4*1024*1024)).Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: malformed definition: %s", ErrLedgerUnavailable, err)
	}

	return &def, nil
}
