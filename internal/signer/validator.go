package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/hdnode/signproxy/internal/rpcerr"
	"github.com/hdnode/signproxy/internal/txrequest"
	"github.com/hdnode/signproxy/internal/typeddata"
)

// Validator decorates a Signing with a user-supplied policy script that
// must explicitly approve every signing operation. The script runs in a
// sandboxed Lua VM exposing only the table, string, and math standard
// libraries (gopher-lua targets Lua 5.1, which predates the utf8 library).
// A hook that returns anything other than `true` — false, a missing hook,
// or a script error — rejects the operation.
type Validator struct {
	inner  Signing
	state  *lua.LState
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewValidator loads the policy script at scriptPath into a fresh
// sandboxed VM and wraps inner with it.
func NewValidator(inner Signing, scriptPath string) (*Validator, error) {
	source, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("validator: reading policy script: %w", err)
	}

	state := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenTable(state)
	lua.OpenString(state)
	lua.OpenMath(state)

	v := &Validator{inner: inner, state: state, logger: log.Logger}
	state.SetGlobal("print", state.NewFunction(v.luaPrint))

	if err := state.DoString(string(source)); err != nil {
		return nil, fmt.Errorf("validator: loading policy script: %w", err)
	}
	return v, nil
}

// luaPrint replaces the sandboxed VM's print, since the base library
// (which would normally provide it) is never opened.
func (v *Validator) luaPrint(state *lua.LState) int {
	n := state.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = state.ToStringMeta(state.Get(i)).String()
	}
	v.logger.Info().Str("source", "policy").Msg(strings.Join(parts, " "))
	return 0
}

// callHook invokes the named hook with args and requires it to return
// exactly `true` to approve the operation.
func (v *Validator) callHook(name string, args ...lua.LValue) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.callHookLocked(name, args...)
}

// callHookJSON converts payload into a Lua table so policies can index
// individual fields (tx.to, data.domain.chainId) rather than pattern-match
// an opaque string, then invokes the hook. Table construction touches the
// VM, so it happens under the same lock as the call itself.
func (v *Validator) callHookJSON(name string, account common.Address, payload json.RawMessage) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := jsonToLua(v.state, payload)
	if err != nil {
		return fmt.Errorf("converting data for %s: %w", name, err)
	}
	return v.callHookLocked(name, lua.LString(account.Hex()), data)
}

func (v *Validator) callHookLocked(name string, args ...lua.LValue) error {
	fn := v.state.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("policy script does not define %s", name)
	}

	if err := v.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return fmt.Errorf("policy script error in %s: %w", name, err)
	}
	ret := v.state.Get(-1)
	v.state.Pop(1)

	approved, ok := ret.(lua.LBool)
	if !ok || !bool(approved) {
		return fmt.Errorf("policy rejected by %s", name)
	}
	return nil
}

func (v *Validator) Accounts() []common.Address {
	return v.inner.Accounts()
}

func (v *Validator) SignMessage(ctx context.Context, account common.Address, data []byte) (Signature, error) {
	if err := v.callHook("validate_message", lua.LString(account.Hex()), lua.LString(hexutil.Encode(data))); err != nil {
		return Signature{}, rpcerr.WrapClientFault(err, "message rejected by policy")
	}
	return v.inner.SignMessage(ctx, account, data)
}

func (v *Validator) SignTransaction(ctx context.Context, account common.Address, tx *txrequest.Transaction) (Signature, error) {
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return Signature{}, rpcerr.WrapInternal(err, "marshaling transaction for policy review")
	}
	if err := v.callHookJSON("validate_transaction", account, txJSON); err != nil {
		return Signature{}, rpcerr.WrapClientFault(err, "transaction rejected by policy")
	}
	return v.inner.SignTransaction(ctx, account, tx)
}

func (v *Validator) SignTypedData(ctx context.Context, account common.Address, data *typeddata.TypedData) (Signature, error) {
	if err := v.callHookJSON("validate_typed_data", account, data.Raw()); err != nil {
		return Signature{}, rpcerr.WrapClientFault(err, "typed data rejected by policy")
	}
	return v.inner.SignTypedData(ctx, account, data)
}

// jsonToLua converts a JSON document into the equivalent Lua value:
// objects and arrays become tables, numbers become Lua numbers, and
// null becomes nil.
func jsonToLua(state *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return valueToLua(state, v), nil
}

func valueToLua(state *lua.LState, v interface{}) lua.LValue {
	switch x := v.(type) {
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return lua.LNumber(f)
		}
		return lua.LString(x.String())
	case []interface{}:
		tbl := state.NewTable()
		for _, elem := range x {
			tbl.Append(valueToLua(state, elem))
		}
		return tbl
	case map[string]interface{}:
		tbl := state.NewTable()
		for k, elem := range x {
			tbl.RawSetString(k, valueToLua(state, elem))
		}
		return tbl
	default:
		return lua.LNil
	}
}
