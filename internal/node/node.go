// Package node implements the request multiplexer: it classifies each
// incoming JSON-RPC call as locally handled (signing) or remote
// (passthrough to the upstream node), re-synthesizing eth_sendTransaction
// into a remote eth_sendRawTransaction call, and merges batch responses
// back into their original positions.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hdnode/signproxy/internal/ethcodec"
	"github.com/hdnode/signproxy/internal/ethrpc"
	"github.com/hdnode/signproxy/internal/jsonrpc"
	"github.com/hdnode/signproxy/internal/rpcerr"
	"github.com/hdnode/signproxy/internal/signer"
	"github.com/hdnode/signproxy/internal/txrequest"
	"github.com/hdnode/signproxy/internal/typeddata"
)

// Node dispatches JSON-RPC requests between local signing handlers and a
// single remote upstream node.
type Node struct {
	signer signer.Signing
	remote *jsonrpc.Client
	eth    *ethrpc.Eth
	logger zerolog.Logger
}

// New creates a Node backed by signing for local methods and remote for
// everything else. eth must wrap the same upstream as remote; it serves
// the transaction filler and the typed-data chain-id check.
func New(signing signer.Signing, remote *jsonrpc.Client, eth *ethrpc.Eth) *Node {
	return &Node{signer: signing, remote: remote, eth: eth, logger: log.Logger}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("node: unexpected marshal failure: %v", err))
	}
	return b
}

// outcome is either a fully formed response or a request that must be
// forwarded upstream.
type outcome struct {
	response *jsonrpc.Response
	remote   *jsonrpc.Request
}

func paramsArray(params *jsonrpc.Params) ([]json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if params.Object != nil {
		return nil, fmt.Errorf("expected positional parameters")
	}
	return params.Array, nil
}

// mux classifies a single request as handled internally or forwarded
// upstream.
func (n *Node) mux(ctx context.Context, req jsonrpc.Request) outcome {
	value, remoteMethod, remoteParams, err := n.muxHandler(ctx, req.Method, req.Params)
	if remoteMethod != "" {
		return outcome{remote: &jsonrpc.Request{
			JSONRPC: req.JSONRPC,
			Method:  remoteMethod,
			Params:  remoteParams,
			ID:      req.ID,
		}}
	}
	if err != nil {
		n.logger.Debug().Str("method", req.Method).Err(err).Msg("error processing request")
		resp := jsonrpc.Fail(req.ID, classify(err))
		return outcome{response: &resp}
	}
	resp := jsonrpc.OK(req.ID, value)
	return outcome{response: &resp}
}

// muxHandler implements the method classification table: local signing
// handlers return a result value directly; eth_sendTransaction
// re-synthesizes into a remote call; everything else passes through
// unchanged.
func (n *Node) muxHandler(ctx context.Context, method string, params *jsonrpc.Params) (value json.RawMessage, remoteMethod string, remoteParams *jsonrpc.Params, err error) {
	switch method {
	case "eth_accounts":
		arr, err := paramsArray(params)
		if err != nil {
			return nil, "", nil, invalidParams(err)
		}
		if len(arr) != 0 {
			return nil, "", nil, invalidParams(fmt.Errorf("eth_accounts takes no parameters"))
		}
		return mustJSON(ethcodec.Addresses(n.signer.Accounts())), "", nil, nil

	case "eth_sign":
		arr, err := paramsArray(params)
		if err != nil {
			return nil, "", nil, invalidParams(err)
		}
		if len(arr) != 2 {
			return nil, "", nil, invalidParams(fmt.Errorf("eth_sign takes exactly 2 parameters"))
		}
		account, data, err := decodeAccountAndBytes(arr[0], arr[1])
		if err != nil {
			return nil, "", nil, invalidParams(err)
		}
		sig, err := n.signer.SignMessage(ctx, account, data)
		if err != nil {
			return nil, "", nil, err
		}
		return mustJSON(sig.Hex()), "", nil, nil

	case "eth_signTransaction":
		arr, err := paramsArray(params)
		if err != nil {
			return nil, "", nil, invalidParams(err)
		}
		if len(arr) != 1 {
			return nil, "", nil, invalidParams(fmt.Errorf("eth_signTransaction takes exactly 1 parameter"))
		}
		var txReq txrequest.TransactionRequest
		if err := json.Unmarshal(arr[0], &txReq); err != nil {
			return nil, "", nil, invalidParams(err)
		}
		account, tx, err := txReq.Fill(ctx, n.eth)
		if err != nil {
			return nil, "", nil, err
		}
		sig, err := n.signer.SignTransaction(ctx, account, tx)
		if err != nil {
			return nil, "", nil, err
		}
		encoded, err := tx.Encode(sig)
		if err != nil {
			return nil, "", nil, rpcerr.WrapInternal(err, "encoding signed transaction")
		}
		return mustJSON(hexutil.Encode(encoded)), "", nil, nil

	case "eth_sendTransaction":
		signedHexJSON, _, _, err := n.muxHandler(ctx, "eth_signTransaction", params)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, "eth_sendRawTransaction", jsonrpc.ArrayParams(signedHexJSON), nil

	case "eth_signTypedData":
		arr, err := paramsArray(params)
		if err != nil {
			return nil, "", nil, invalidParams(err)
		}
		if len(arr) != 2 {
			return nil, "", nil, invalidParams(fmt.Errorf("eth_signTypedData takes exactly 2 parameters"))
		}
		var accountHex string
		if err := json.Unmarshal(arr[0], &accountHex); err != nil {
			return nil, "", nil, invalidParams(err)
		}
		account, err := ethcodec.ParseAddress(accountHex)
		if err != nil {
			return nil, "", nil, invalidParams(err)
		}
		data, err := typeddata.Parse(arr[1])
		if err != nil {
			return nil, "", nil, invalidParams(err)
		}
		if domainChainID := data.ChainID(); domainChainID != nil {
			nodeChainID, err := n.eth.ChainID(ctx)
			if err != nil {
				return nil, "", nil, rpcerr.WrapInternal(err, "fetching chain id")
			}
			if domainChainID.Cmp(nodeChainID) != 0 {
				return nil, "", nil, rpcerr.ClientFaultf("chain ID used for signing does not match node")
			}
		}
		sig, err := n.signer.SignTypedData(ctx, account, data)
		if err != nil {
			return nil, "", nil, err
		}
		return mustJSON(sig.Hex()), "", nil, nil

	default:
		return nil, method, params, nil
	}
}

func decodeAccountAndBytes(addrRaw, dataRaw json.RawMessage) (common.Address, []byte, error) {
	var addrHex string
	if err := json.Unmarshal(addrRaw, &addrHex); err != nil {
		return common.Address{}, nil, err
	}
	account, err := ethcodec.ParseAddress(addrHex)
	if err != nil {
		return common.Address{}, nil, err
	}
	var data ethcodec.Bytes
	if err := json.Unmarshal(dataRaw, &data); err != nil {
		return common.Address{}, nil, err
	}
	return account, []byte(data), nil
}

// decodeParamsError marks a parameter decoding failure, which always
// surfaces as InvalidParams regardless of the underlying cause.
type decodeParamsError struct{ err error }

func (e *decodeParamsError) Error() string { return e.err.Error() }
func (e *decodeParamsError) Unwrap() error { return e.err }

func invalidParams(err error) error {
	return &decodeParamsError{err: err}
}

// classify maps a signing or decode error onto a JSON-RPC error code.
func classify(err error) *jsonrpc.Error {
	var decodeErr *decodeParamsError
	if errors.As(err, &decodeErr) {
		return jsonrpc.InvalidParams()
	}
	var unknown *signer.UnknownSignerError
	if errors.As(err, &unknown) {
		return jsonrpc.InvalidParams()
	}
	var rerr *rpcerr.Error
	if errors.As(err, &rerr) && rerr.Classification == rpcerr.ClientFault {
		return jsonrpc.InvalidParams()
	}
	return jsonrpc.InternalError()
}

// Handle processes a raw HTTP body containing either a single JSON-RPC
// request or a batch, and returns the raw JSON response body.
//
// A batch is decoded strictly, all at once: if any element of the array
// isn't a well-formed Request, the entire body is garbage and the single
// reply is InvalidRequest/id=null, rather than a per-position error sitting
// alongside otherwise-valid responses.
func (n *Node) Handle(ctx context.Context, body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return mustJSON(jsonrpc.Fail(jsonrpc.NullID(), jsonrpc.InvalidRequest()))
	}

	var probe interface{}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return mustJSON(jsonrpc.Fail(jsonrpc.NullID(), jsonrpc.ParseError()))
	}

	switch probe.(type) {
	case []interface{}:
		arr, _ := probe.([]interface{})
		if len(arr) == 0 {
			return mustJSON(jsonrpc.Fail(jsonrpc.NullID(), jsonrpc.InvalidRequest()))
		}
		var reqs []jsonrpc.Request
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return mustJSON(jsonrpc.Fail(jsonrpc.NullID(), jsonrpc.InvalidRequest()))
		}
		for _, req := range reqs {
			if req.Method == "" {
				return mustJSON(jsonrpc.Fail(jsonrpc.NullID(), jsonrpc.InvalidRequest()))
			}
		}
		return mustJSON(n.handleBatch(ctx, reqs))

	case map[string]interface{}:
		var req jsonrpc.Request
		if err := json.Unmarshal(trimmed, &req); err != nil || req.Method == "" {
			return mustJSON(jsonrpc.Fail(jsonrpc.NullID(), jsonrpc.InvalidRequest()))
		}
		return mustJSON(n.handleRequest(ctx, req))

	default:
		return mustJSON(jsonrpc.Fail(jsonrpc.NullID(), jsonrpc.InvalidRequest()))
	}
}

// handleRequest handles exactly one request, performing the remote call
// itself if the method was classified as passthrough/re-synthesized.
func (n *Node) handleRequest(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	switch o := n.mux(ctx, req); {
	case o.response != nil:
		return *o.response
	default:
		resp, err := n.remote.Execute(ctx, *o.remote)
		if err != nil {
			n.logger.Debug().Str("method", o.remote.Method).Err(err).Msg("error executing remote request")
			return jsonrpc.Fail(o.remote.ID, jsonrpc.InternalError())
		}
		return resp
	}
}

// handleBatch classifies every already-validated request concurrently,
// issues all remote-bound requests as a single batched round trip, and
// merges responses back into their original positions.
func (n *Node) handleBatch(ctx context.Context, reqs []jsonrpc.Request) []jsonrpc.Response {
	outcomes := make([]outcome, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req jsonrpc.Request) {
			defer wg.Done()
			outcomes[i] = n.mux(ctx, req)
		}(i, req)
	}
	wg.Wait()

	var remoteRequests []jsonrpc.Request
	remoteIndex := make([]int, 0, len(reqs))
	for i, o := range outcomes {
		if o.remote != nil {
			remoteRequests = append(remoteRequests, *o.remote)
			remoteIndex = append(remoteIndex, i)
		}
	}

	var remoteResponses []jsonrpc.Response
	if len(remoteRequests) > 0 {
		var err error
		remoteResponses, err = n.remote.ExecuteMany(ctx, remoteRequests)
		if err != nil {
			n.logger.Debug().Err(err).Int("count", len(remoteRequests)).Msg("error executing remote batched requests")
			remoteResponses = make([]jsonrpc.Response, len(remoteRequests))
			for i, r := range remoteRequests {
				remoteResponses[i] = jsonrpc.Fail(r.ID, jsonrpc.InternalError())
			}
		}
	}

	responses := make([]jsonrpc.Response, len(outcomes))
	for i, o := range outcomes {
		if o.response != nil {
			responses[i] = *o.response
		}
	}
	for k, i := range remoteIndex {
		responses[i] = remoteResponses[k]
	}
	return responses
}
