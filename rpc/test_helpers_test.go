package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"refundledger/core"
	"refundledger/core/events"
	"refundledger/storage"
)

const testAuthToken = "rpc-test-token"

type testEnv struct {
	server *Server
	ledger *core.Ledger
	funder [20]byte
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	journal, err := events.OpenJournal(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	funder := testAddr(0x01)
	ledger, err := core.NewLedger(db, journal, nil, []core.GenesisAccount{
		{Address: funder, Balance: big.NewInt(1_000_000)},
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	server := NewServer(ledger, nil, ServerConfig{Auth: AuthConfig{Token: testAuthToken}})
	return &testEnv{server: server, ledger: ledger, funder: funder}
}

func marshalParam(t testing.TB, param interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(param)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return data
}

// call posts a full JSON-RPC request through the HTTP handler. An empty token
// leaves the Authorization header unset.
func (env *testEnv) call(t testing.TB, method string, param interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	reqBody := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: 1}
	if param != nil {
		reqBody.Params = []json.RawMessage{marshalParam(t, param)}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.server.handleRPC(recorder, req)
	return recorder
}

func decodeRPCResponse(t testing.TB, recorder *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return resp.Result, resp.Error
}

func decodeResult(t testing.TB, raw json.RawMessage, out interface{}) {
	t.Helper()
	if raw == nil {
		t.Fatal("missing result")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result %q: %v", string(raw), err)
	}
}
