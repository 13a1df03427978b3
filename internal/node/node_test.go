package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdnode/signproxy/internal/ethrpc"
	"github.com/hdnode/signproxy/internal/jsonrpc"
	"github.com/hdnode/signproxy/internal/signer"
	"github.com/hdnode/signproxy/internal/txrequest"
	"github.com/hdnode/signproxy/internal/typeddata"
)

// fakeSigner is a minimal signer.Signing stand-in: it signs for exactly one
// known account and returns deterministic, fixed results.
type fakeSigner struct {
	account common.Address
}

func (f *fakeSigner) Accounts() []common.Address { return []common.Address{f.account} }

func (f *fakeSigner) SignMessage(_ context.Context, account common.Address, _ []byte) (signer.Signature, error) {
	if account != f.account {
		return signer.Signature{}, &signer.UnknownSignerError{Account: account}
	}
	var sig signer.Signature
	sig[64] = 0x1b
	return sig, nil
}

func (f *fakeSigner) SignTransaction(_ context.Context, account common.Address, _ *txrequest.Transaction) (signer.Signature, error) {
	if account != f.account {
		return signer.Signature{}, &signer.UnknownSignerError{Account: account}
	}
	var sig signer.Signature
	sig[64] = 0x01
	return sig, nil
}

func (f *fakeSigner) SignTypedData(_ context.Context, account common.Address, _ *typeddata.TypedData) (signer.Signature, error) {
	if account != f.account {
		return signer.Signature{}, &signer.UnknownSignerError{Account: account}
	}
	return signer.Signature{}, nil
}

// upstream is a fake JSON-RPC 2.0 server that answers whatever methods are
// present in results and records every raw request body it received.
type upstream struct {
	srv     *httptest.Server
	results map[string]interface{}
	calls   int32

	mu     sync.Mutex
	bodies []string
}

func newUpstream(results map[string]interface{}) *upstream {
	u := &upstream{results: results}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&u.calls, 1)
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.bodies = append(u.bodies, string(body))
	u.mu.Unlock()

	trimmed := bytes.TrimSpace(body)
	respondTo := func(req jsonrpc.Request) jsonrpc.Response {
		val, ok := u.results[req.Method]
		if !ok {
			return jsonrpc.Fail(req.ID, &jsonrpc.Error{Code: -32601, Message: "method not found"})
		}
		data, _ := json.Marshal(val)
		return jsonrpc.OK(req.ID, data)
	}

	w.Header().Set("Content-Type", "application/json")
	if trimmed[0] == '[' {
		var reqs []jsonrpc.Request
		_ = json.Unmarshal(trimmed, &reqs)
		resps := make([]jsonrpc.Response, len(reqs))
		for i, req := range reqs {
			resps[i] = respondTo(req)
		}
		data, _ := json.Marshal(resps)
		_, _ = w.Write(data)
		return
	}
	var req jsonrpc.Request
	_ = json.Unmarshal(trimmed, &req)
	data, _ := json.Marshal(respondTo(req))
	_, _ = w.Write(data)
}

func (u *upstream) close() { u.srv.Close() }

func newTestNode(t *testing.T, results map[string]interface{}) (*Node, *fakeSigner, *upstream) {
	t.Helper()
	u := newUpstream(results)
	t.Cleanup(u.close)

	remote, err := jsonrpc.NewClient(u.srv.URL)
	require.NoError(t, err)

	signing := &fakeSigner{account: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	return New(signing, remote, ethrpc.New(remote)), signing, u
}

func decodeSingle(t *testing.T, raw []byte) jsonrpc.Response {
	t.Helper()
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func decodeBatch(t *testing.T, raw []byte) []jsonrpc.Response {
	t.Helper()
	var resps []jsonrpc.Response
	require.NoError(t, json.Unmarshal(raw, &resps))
	return resps
}

func TestHandleEthAccountsIsLocalAndChecksummed(t *testing.T) {
	n, fake, u := newTestNode(t, nil)

	raw := n.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"eth_accounts","params":[],"id":1}`))
	resp := decodeSingle(t, raw)

	require.Nil(t, resp.Err)
	var addrs []string
	require.NoError(t, json.Unmarshal(resp.Result, &addrs))
	require.Len(t, addrs, 1)
	assert.Equal(t, fake.account.Hex(), addrs[0])
	assert.Equal(t, int32(0), atomic.LoadInt32(&u.calls), "eth_accounts must never reach upstream")
}

func TestHandleEthAccountsRejectsParams(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	raw := n.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"eth_accounts","params":["unexpected"],"id":1}`))
	resp := decodeSingle(t, raw)

	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeInvalidParams), resp.Err.Code)
}

func TestHandleUnknownMethodForwardedVerbatim(t *testing.T) {
	n, _, u := newTestNode(t, map[string]interface{}{"eth_chainId": "0x1"})

	raw := n.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":2}`))
	resp := decodeSingle(t, raw)

	require.Nil(t, resp.Err)
	assert.JSONEq(t, `"0x1"`, string(resp.Result))
	assert.Equal(t, json.Number("2"), resp.ID.Num)
	assert.Equal(t, int32(1), atomic.LoadInt32(&u.calls))
}

func TestHandleEthSignKnownAccount(t *testing.T) {
	n, fake, _ := newTestNode(t, nil)

	body := `{"jsonrpc":"2.0","method":"eth_sign","params":["` + fake.account.Hex() + `","0x68656c6c6f"],"id":3}`
	raw := n.Handle(context.Background(), []byte(body))
	resp := decodeSingle(t, raw)

	require.Nil(t, resp.Err)
	var sigHex string
	require.NoError(t, json.Unmarshal(resp.Result, &sigHex))
	assert.Len(t, sigHex, 132)
}

func TestHandleEthSignUnknownAccountIsInvalidParams(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	other := "0x0000000000000000000000000000000000dEaD"
	body := `{"jsonrpc":"2.0","method":"eth_sign","params":["` + other + `","0x68656c6c6f"],"id":3}`
	raw := n.Handle(context.Background(), []byte(body))
	resp := decodeSingle(t, raw)

	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeInvalidParams), resp.Err.Code)
}

func TestHandleSendTransactionRewritesToRawSend(t *testing.T) {
	n, fake, u := newTestNode(t, map[string]interface{}{
		"eth_chainId":              "0x1",
		"eth_getTransactionCount":  "0x5",
		"eth_estimateGas":          "0x5208",
		"eth_gasPrice":             "0x2",
		"eth_feeHistory":           map[string]interface{}{"baseFeePerGas": []string{"0x3", "0x4"}},
		"eth_maxPriorityFeePerGas": "0x1",
		"eth_sendRawTransaction":   "0xabc123",
	})

	body := `{"jsonrpc":"2.0","method":"eth_sendTransaction","params":[{"from":"` + fake.account.Hex() + `","to":"0x2222222222222222222222222222222222222222","value":"0x1"}],"id":4}`
	raw := n.Handle(context.Background(), []byte(body))
	resp := decodeSingle(t, raw)

	require.Nil(t, resp.Err)
	assert.JSONEq(t, `"0xabc123"`, string(resp.Result))
	assert.Equal(t, json.Number("4"), resp.ID.Num)

	// One batched fill round trip plus the single raw send.
	assert.Equal(t, int32(2), atomic.LoadInt32(&u.calls))

	u.mu.Lock()
	defer u.mu.Unlock()
	require.Len(t, u.bodies, 2)
	var upstreamReq jsonrpc.Request
	require.NoError(t, json.Unmarshal([]byte(u.bodies[1]), &upstreamReq))
	assert.Equal(t, "eth_sendRawTransaction", upstreamReq.Method)
	var params []string
	require.NoError(t, json.Unmarshal(upstreamReq.Params.Value(), &params))
	require.Len(t, params, 1)
	// The filler prefers EIP-1559 here, so the raw transaction is
	// type-byte-prefixed with 0x02.
	assert.Equal(t, "0x02", params[0][:4])
}

func TestHandleSendTransactionConflictingFeeFieldsIsInvalidParams(t *testing.T) {
	n, fake, u := newTestNode(t, nil)

	body := `{"jsonrpc":"2.0","method":"eth_sendTransaction","params":[{"from":"` + fake.account.Hex() + `","gasPrice":"0x1","maxFeePerGas":"0x2"}],"id":6}`
	raw := n.Handle(context.Background(), []byte(body))
	resp := decodeSingle(t, raw)

	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeInvalidParams), resp.Err.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&u.calls), "conflicting fee fields must be rejected before any upstream call")
}

const typedDataTemplate = `{
	"types": {
		"EIP712Domain": [
			{"name":"name","type":"string"},
			{"name":"chainId","type":"uint256"}
		],
		"Permit": [
			{"name":"spender","type":"address"}
		]
	},
	"primaryType": "Permit",
	"domain": {"name": "Token", "chainId": CHAIN_ID},
	"message": {"spender": "0x2222222222222222222222222222222222222222"}
}`

func TestHandleSignTypedDataChainIDMismatchIsInvalidParams(t *testing.T) {
	n, fake, _ := newTestNode(t, map[string]interface{}{"eth_chainId": "0x1"})

	data := strings.Replace(typedDataTemplate, "CHAIN_ID", "2", 1)
	body := `{"jsonrpc":"2.0","method":"eth_signTypedData","params":["` + fake.account.Hex() + `",` + data + `],"id":7}`
	raw := n.Handle(context.Background(), []byte(body))
	resp := decodeSingle(t, raw)

	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeInvalidParams), resp.Err.Code)
}

func TestHandleSignTypedDataMatchingChainID(t *testing.T) {
	n, fake, _ := newTestNode(t, map[string]interface{}{"eth_chainId": "0x1"})

	data := strings.Replace(typedDataTemplate, "CHAIN_ID", "1", 1)
	body := `{"jsonrpc":"2.0","method":"eth_signTypedData","params":["` + fake.account.Hex() + `",` + data + `],"id":8}`
	raw := n.Handle(context.Background(), []byte(body))
	resp := decodeSingle(t, raw)

	require.Nil(t, resp.Err)
	var sigHex string
	require.NoError(t, json.Unmarshal(resp.Result, &sigHex))
	assert.Len(t, sigHex, 132)
}

func TestHandleGarbageBody(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	raw := n.Handle(context.Background(), []byte(`not json at all`))
	resp := decodeSingle(t, raw)
	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeParseError), resp.Err.Code)
	assert.True(t, resp.ID.Null)
}

func TestHandleNeitherRequestNorBatch(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	raw := n.Handle(context.Background(), []byte(`42`))
	resp := decodeSingle(t, raw)
	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeInvalidRequest), resp.Err.Code)
	assert.True(t, resp.ID.Null)
}

func TestHandleEmptyBatchIsInvalidRequest(t *testing.T) {
	n, _, _ := newTestNode(t, nil)

	raw := n.Handle(context.Background(), []byte(`[]`))
	resp := decodeSingle(t, raw)
	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeInvalidRequest), resp.Err.Code)
}

func TestHandleBatchWithGarbageElementCollapsesToInvalidRequest(t *testing.T) {
	n, _, u := newTestNode(t, map[string]interface{}{"eth_blockNumber": "0x10"})

	body := `[{"jsonrpc":"2.0","method":"eth_accounts","params":[],"id":1},` +
		`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":2},` +
		`"garbage"]`
	raw := n.Handle(context.Background(), []byte(body))

	resp := decodeSingle(t, raw)
	require.NotNil(t, resp.Err)
	assert.Equal(t, int64(jsonrpc.CodeInvalidRequest), resp.Err.Code)
	assert.True(t, resp.ID.Null)
	assert.Equal(t, int32(0), atomic.LoadInt32(&u.calls), "a garbage batch must never reach upstream")
}

func TestHandleBatchMergesLocalAndRemotePositionally(t *testing.T) {
	n, fake, u := newTestNode(t, map[string]interface{}{"eth_blockNumber": "0x10"})

	body := `[{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1},` +
		`{"jsonrpc":"2.0","method":"eth_accounts","params":[],"id":2},` +
		`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":3}]`
	raw := n.Handle(context.Background(), []byte(body))
	resps := decodeBatch(t, raw)

	require.Len(t, resps, 3)
	assert.JSONEq(t, `"0x10"`, string(resps[0].Result))
	assert.Equal(t, json.Number("1"), resps[0].ID.Num)

	var addrs []string
	require.NoError(t, json.Unmarshal(resps[1].Result, &addrs))
	assert.Equal(t, []string{fake.account.Hex()}, addrs)
	assert.Equal(t, json.Number("2"), resps[1].ID.Num)

	assert.JSONEq(t, `"0x10"`, string(resps[2].Result))
	assert.Equal(t, json.Number("3"), resps[2].ID.Num)

	// Both remote-bound elements went out in a single batched round trip.
	assert.Equal(t, int32(1), atomic.LoadInt32(&u.calls))
}

func TestHandleBatchRemoteTransportFailureIsInternalError(t *testing.T) {
	n, _, u := newTestNode(t, nil)
	u.close() // upstream unreachable

	body := `[{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}]`
	raw := n.Handle(context.Background(), []byte(body))
	resps := decodeBatch(t, raw)

	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Err)
	assert.Equal(t, int64(jsonrpc.CodeInternalError), resps[0].Err.Code)
}
