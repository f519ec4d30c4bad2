package indexer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func seedClaim(t *testing.T, db *gorm.DB, seq uint64, funder, recipient, amount string) {
	t.Helper()
	claim := Claim{
		ID:        uuid.New(),
		Seq:       seq,
		Funder:    funder,
		Recipient: recipient,
		Root:      "0xroot",
		AmountWei: amount,
		EmittedAt: time.Now().UTC(),
	}
	if err := db.Create(&claim).Error; err != nil {
		t.Fatalf("seed claim: %v", err)
	}
}

func seedMovement(t *testing.T, db *gorm.DB, seq uint64, funder, kind, amount, newBalance string) {
	t.Helper()
	movement := FundingMovement{
		ID:            uuid.New(),
		Seq:           seq,
		Funder:        funder,
		Kind:          kind,
		AmountWei:     amount,
		NewBalanceWei: newBalance,
		EmittedAt:     time.Now().UTC(),
	}
	if err := db.Create(&movement).Error; err != nil {
		t.Fatalf("seed movement: %v", err)
	}
}

func doRequest(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestClaimsEndpointFiltersAndOrders(t *testing.T) {
	db := setupDB(t)
	alice := testFunderAddr(0x0a)
	bob := testFunderAddr(0x0b)
	carol := testFunderAddr(0x0c)
	seedClaim(t, db, 1, alice, carol, "100")
	seedClaim(t, db, 2, bob, carol, "200")
	seedClaim(t, db, 3, alice, carol, "300")

	server := NewServer(db, nil)

	recorder := doRequest(t, server.Handler(), "/v1/claims?funder="+alice)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Claims []claimView `json:"claims"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Claims) != 2 {
		t.Fatalf("expected two claims for funder, got %d", len(payload.Claims))
	}
	if payload.Claims[0].Seq != 3 || payload.Claims[1].Seq != 1 {
		t.Fatalf("claims must be newest first, got seqs %d, %d", payload.Claims[0].Seq, payload.Claims[1].Seq)
	}

	recorder = doRequest(t, server.Handler(), "/v1/claims?recipient="+carol+"&limit=1")
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode limited response: %v", err)
	}
	if len(payload.Claims) != 1 || payload.Claims[0].Seq != 3 {
		t.Fatalf("limit=1 should return only the newest claim, got %+v", payload.Claims)
	}
}

func TestClaimsEndpointRejectsBadLimit(t *testing.T) {
	db := setupDB(t)
	server := NewServer(db, nil)
	for _, limit := range []string{"0", "-3", "abc"} {
		recorder := doRequest(t, server.Handler(), "/v1/claims?limit="+limit)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", limit, recorder.Code)
		}
	}
}

func TestFunderSummaryTotals(t *testing.T) {
	db := setupDB(t)
	funder := testFunderAddr(0x0d)
	other := testFunderAddr(0x0e)

	seedMovement(t, db, 1, funder, MovementFund, "1000", "1000")
	seedMovement(t, db, 2, funder, MovementIncoming, "200", "")
	seedClaim(t, db, 3, funder, other, "100")
	seedMovement(t, db, 4, funder, MovementDecrease, "300", "800")
	seedMovement(t, db, 5, other, MovementFund, "999", "999")

	server := NewServer(db, nil)
	recorder := doRequest(t, server.Handler(), "/v1/funders/"+funder)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var summary funderSummary
	if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.FundedWei != "1200" {
		t.Fatalf("expected funded 1200, got %s", summary.FundedWei)
	}
	if summary.PaidWei != "400" {
		t.Fatalf("expected paid 400, got %s", summary.PaidWei)
	}
	if summary.BalanceWei != "800" {
		t.Fatalf("expected balance 800, got %s", summary.BalanceWei)
	}
	if summary.ClaimCount != 1 || summary.MovementCount != 3 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.LastSeq != 4 {
		t.Fatalf("expected last seq 4, got %d", summary.LastSeq)
	}
}

func TestHealthzReportsCursor(t *testing.T) {
	db := setupDB(t)
	if err := advanceCursor(db, 12); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	server := NewServer(db, nil)
	recorder := doRequest(t, server.Handler(), "/healthz")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var status struct {
		Status  string `json:"status"`
		LastSeq uint64 `json:"lastSeq"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if status.Status != "ok" || status.LastSeq != 12 {
		t.Fatalf("unexpected health payload: %+v", status)
	}
}
