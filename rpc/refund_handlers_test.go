package rpc

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/bech32"

	"refundledger/crypto/merkle"
)

func soloRootHex(recipient [20]byte) string {
	leaf := merkle.LeafHash(recipient[:])
	return "0x" + hex.EncodeToString(leaf[:])
}

// foreignAddress encodes a valid bech32 address under a prefix the ledger
// does not serve.
func foreignAddress(t *testing.T) string {
	t.Helper()
	conv, err := bech32.ConvertBits(make([]byte, 20), 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	encoded, err := bech32.Encode("acc", conv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return encoded
}

func TestRefundLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t)
	alice := testAddr(0x0a)
	funderStr := formatAddress(env.funder)

	recorder := env.call(t, "refund_setBatches", setBatchesParams{
		Funder:        funderStr,
		Roots:         []string{soloRootHex(alice)},
		Amounts:       []string{"100"},
		IncomingFunds: "400",
	}, testAuthToken)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("setBatches failed: %+v", rpcErr)
	}
	var balance balanceResult
	decodeResult(t, result, &balance)
	if balance.Balance != "400" {
		t.Fatalf("expected balance 400, got %s", balance.Balance)
	}

	recorder = env.call(t, "refund_getBatches", funderParams{Funder: funderStr}, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("getBatches failed: %+v", rpcErr)
	}
	var batches batchesResult
	decodeResult(t, result, &batches)
	if len(batches.Batches) != 1 || batches.Batches[0].Amount != "100" {
		t.Fatalf("unexpected batches: %+v", batches)
	}
	if !strings.HasPrefix(batches.Batches[0].Root, "0x") {
		t.Fatalf("root must be 0x-prefixed hex: %s", batches.Batches[0].Root)
	}

	recorder = env.call(t, "refund_claim", claimParams{
		Funder:    funderStr,
		Recipient: formatAddress(alice),
		Proof:     []string{},
	}, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("claim failed: %+v", rpcErr)
	}
	var claim claimResult
	decodeResult(t, result, &claim)
	if claim.Amount != "100" {
		t.Fatalf("expected claim amount 100, got %s", claim.Amount)
	}

	recorder = env.call(t, "refund_getClaimed", claimedParams{Funder: funderStr, Recipient: formatAddress(alice)}, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("getClaimed failed: %+v", rpcErr)
	}
	var claimed claimedResult
	decodeResult(t, result, &claimed)
	if !claimed.Claimed {
		t.Fatal("expected claimed=true")
	}

	recorder = env.call(t, "refund_claim", claimParams{
		Funder:    funderStr,
		Recipient: formatAddress(alice),
	}, "")
	if _, rpcErr = decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeNotRefundable {
		t.Fatalf("expected codeNotRefundable on second claim, got %+v", rpcErr)
	}

	recorder = env.call(t, "refund_getBalance", funderParams{Funder: funderStr}, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("getBalance failed: %+v", rpcErr)
	}
	decodeResult(t, result, &balance)
	if balance.Balance != "300" {
		t.Fatalf("expected remaining balance 300, got %s", balance.Balance)
	}

	recorder = env.call(t, "refund_getAccount", accountParams{Address: formatAddress(alice)}, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("getAccount failed: %+v", rpcErr)
	}
	var account accountResult
	decodeResult(t, result, &account)
	if account.Balance != "100" {
		t.Fatalf("recipient account not credited: %+v", account)
	}
}

func TestFunderMutationsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	funderStr := formatAddress(env.funder)

	recorder := env.call(t, "refund_withdraw", funderParams{Funder: funderStr}, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected codeUnauthorized, got %+v", rpcErr)
	}

	recorder = env.call(t, "refund_withdraw", funderParams{Funder: funderStr}, "wrong-token")
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected codeUnauthorized for bad token, got %+v", rpcErr)
	}

	// Claims are permissionless: the request passes auth and fails on domain
	// state instead.
	recorder = env.call(t, "refund_claim", claimParams{
		Funder:    funderStr,
		Recipient: formatAddress(testAddr(0x0a)),
	}, "")
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeNotRefundable {
		t.Fatalf("expected codeNotRefundable, got %+v", rpcErr)
	}
}

func TestMutationsRejectedWithoutConfiguredAuth(t *testing.T) {
	env := newTestEnv(t)
	env.server.auth = newAuthenticator(AuthConfig{})

	recorder := env.call(t, "refund_withdraw", funderParams{Funder: formatAddress(env.funder)}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected codeUnauthorized when auth unconfigured, got %+v", rpcErr)
	}
}

func TestInvalidParamValidation(t *testing.T) {
	env := newTestEnv(t)
	funderStr := formatAddress(env.funder)

	cases := []struct {
		name   string
		method string
		param  interface{}
	}{
		{"bad funder bech32", "refund_getBalance", funderParams{Funder: "invalid"}},
		{"foreign prefix", "refund_getBalance", funderParams{Funder: foreignAddress(t)}},
		{"bad root hex", "refund_setBatches", setBatchesParams{Funder: funderStr, Roots: []string{"0xzz"}, Amounts: []string{"1"}}},
		{"short root", "refund_setBatches", setBatchesParams{Funder: funderStr, Roots: []string{"0x1234"}, Amounts: []string{"1"}}},
		{"bad amount", "refund_increaseBalance", balanceChangeParams{Funder: funderStr, Amount: "ten"}},
		{"missing params", "refund_getBalance", nil},
		{"bad proof node", "refund_claim", claimParams{Funder: funderStr, Recipient: funderStr, Proof: []string{"xyz"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := env.call(t, tc.method, tc.param, testAuthToken)
			if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeInvalidParams {
				t.Fatalf("expected codeInvalidParams, got %+v", rpcErr)
			}
		})
	}
}

func TestRefundErrorCodeMapping(t *testing.T) {
	env := newTestEnv(t)
	funderStr := formatAddress(env.funder)

	recorder := env.call(t, "refund_setBatches", setBatchesParams{
		Funder:  funderStr,
		Roots:   []string{soloRootHex(testAddr(0x0a)), soloRootHex(testAddr(0x0b))},
		Amounts: []string{"1"},
	}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeLengthMismatch {
		t.Fatalf("expected codeLengthMismatch, got %+v", rpcErr)
	}

	recorder = env.call(t, "refund_increaseBalance", balanceChangeParams{Funder: funderStr, Amount: "10"}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeNoBatches {
		t.Fatalf("expected codeNoBatches, got %+v", rpcErr)
	}

	recorder = env.call(t, "refund_withdraw", funderParams{Funder: funderStr}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeNothingToWithdraw {
		t.Fatalf("expected codeNothingToWithdraw, got %+v", rpcErr)
	}

	recorder = env.call(t, "refund_setBatches", setBatchesParams{
		Funder:        funderStr,
		Roots:         []string{soloRootHex(testAddr(0x0a))},
		Amounts:       []string{"50"},
		IncomingFunds: "100",
	}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("setBatches failed: %+v", rpcErr)
	}
	recorder = env.call(t, "refund_decreaseBalance", balanceChangeParams{Funder: funderStr, Amount: "101"}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeInsufficientBalance {
		t.Fatalf("expected codeInsufficientBalance, got %+v", rpcErr)
	}

	recorder = env.call(t, "refund_increaseBalance", balanceChangeParams{Funder: funderStr, Amount: "0"}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeInvalidAmount {
		t.Fatalf("expected codeInvalidAmount, got %+v", rpcErr)
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.call(t, "refund_unknownMethod", nil, "")
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected codeMethodNotFound, got %+v", rpcErr)
	}
}

func TestMalformedEnvelopes(t *testing.T) {
	env := newTestEnv(t)
	rawCall := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		recorder := httptest.NewRecorder()
		env.server.handleRPC(recorder, req)
		return recorder
	}

	recorder := rawCall(`{"jsonrpc":"2.0","method":`)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeParseError {
		t.Fatalf("expected codeParseError, got %+v", rpcErr)
	}

	recorder = rawCall(`{"jsonrpc":"1.0","method":"refund_info","id":1}`)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected codeInvalidRequest for bad version, got %+v", rpcErr)
	}

	recorder = rawCall(`   `)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected codeInvalidRequest for empty body, got %+v", rpcErr)
	}
}

func TestMutationRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.server.maxMutations = 2
	funderStr := formatAddress(env.funder)

	for i := 0; i < 2; i++ {
		recorder := env.call(t, "refund_claim", claimParams{Funder: funderStr, Recipient: funderStr}, "")
		if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeNotRefundable {
			t.Fatalf("claim %d: expected codeNotRefundable, got %+v", i, rpcErr)
		}
	}
	recorder := env.call(t, "refund_claim", claimParams{Funder: funderStr, Recipient: funderStr}, "")
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeRateLimited {
		t.Fatalf("expected codeRateLimited, got %+v", rpcErr)
	}
}

func TestInfoReportsCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.call(t, "refund_info", nil, "")
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("info failed: %+v", rpcErr)
	}
	var info infoResult
	decodeResult(t, result, &info)
	if info.Revision != 1 {
		t.Fatalf("expected genesis revision 1, got %d", info.Revision)
	}
	if !strings.HasPrefix(info.Vault, "rfd1") {
		t.Fatalf("vault must be a bech32 address, got %s", info.Vault)
	}
	if !strings.HasPrefix(info.StateRoot, "0x") {
		t.Fatalf("state root must be hex, got %s", info.StateRoot)
	}
}
