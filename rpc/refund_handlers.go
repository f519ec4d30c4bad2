package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"refundledger/crypto"
	"refundledger/native/refund"
)

type setBatchesParams struct {
	Funder        string   `json:"funder"`
	Roots         []string `json:"roots"`
	Amounts       []string `json:"amounts"`
	IncomingFunds string   `json:"incomingFunds,omitempty"`
}

type funderParams struct {
	Funder string `json:"funder"`
}

type balanceChangeParams struct {
	Funder string `json:"funder"`
	Amount string `json:"amount"`
}

type claimParams struct {
	Funder    string   `json:"funder"`
	Recipient string   `json:"recipient"`
	Proof     []string `json:"proof"`
}

type claimedParams struct {
	Funder    string `json:"funder"`
	Recipient string `json:"recipient"`
}

type accountParams struct {
	Address string `json:"address"`
}

type batchView struct {
	Root   string `json:"root"`
	Amount string `json:"amount"`
}

type batchesResult struct {
	Funder  string      `json:"funder"`
	Batches []batchView `json:"batches"`
}

type balanceResult struct {
	Funder  string `json:"funder"`
	Balance string `json:"balance"`
}

type payoutResult struct {
	Funder string `json:"funder"`
	Amount string `json:"amount"`
}

type claimResult struct {
	Funder    string `json:"funder"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type claimedResult struct {
	Funder    string `json:"funder"`
	Recipient string `json:"recipient"`
	Claimed   bool   `json:"claimed"`
}

type accountResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type infoResult struct {
	StateRoot    string `json:"stateRoot"`
	Revision     uint64 `json:"revision"`
	UpdatedAt    int64  `json:"updatedAt"`
	Vault        string `json:"vault"`
	LastEventSeq uint64 `json:"lastEventSeq"`
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.RefundPrefix, addr[:]).String()
}

func parseHash32(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("hash must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// parseAmount parses a base-10 integer string. Empty input yields nil so
// optional amounts can be omitted; sign checks are left to the ledger.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base-10 integer: %q", value)
	}
	return amount, nil
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func singleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("parameter object required")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid parameter object: %w", err)
	}
	return nil
}

// writeRefundError translates ledger sentinels into the refund code block.
// Input validation failures stay 400; precondition failures that depend on
// current ledger state are reported as conflicts.
func writeRefundError(w http.ResponseWriter, id interface{}, err error) int {
	status := http.StatusConflict
	code := codeServerError
	switch {
	case errors.Is(err, refund.ErrLengthMismatch):
		status, code = http.StatusBadRequest, codeLengthMismatch
	case errors.Is(err, refund.ErrInvalidAmount):
		status, code = http.StatusBadRequest, codeInvalidAmount
	case errors.Is(err, refund.ErrNoBatches):
		code = codeNoBatches
	case errors.Is(err, refund.ErrInsufficientBalance):
		code = codeInsufficientBalance
	case errors.Is(err, refund.ErrNothingToWithdraw):
		code = codeNothingToWithdraw
	case errors.Is(err, refund.ErrInsufficientFunderBalance):
		code = codeInsufficientFunderBalance
	case errors.Is(err, refund.ErrNotRefundable):
		code = codeNotRefundable
	case errors.Is(err, refund.ErrTransferFailed):
		code = codeTransferFailed
	default:
		status = http.StatusInternalServerError
	}
	return writeError(w, status, id, code, err.Error(), nil)
}

func (s *Server) handleSetBatches(w http.ResponseWriter, req *RPCRequest) int {
	var params setBatchesParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	roots := make([][32]byte, len(params.Roots))
	for i, raw := range params.Roots {
		root, err := parseHash32(raw)
		if err != nil {
			return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("invalid root at index %d", i), err.Error())
		}
		roots[i] = root
	}
	amounts := make([]*big.Int, len(params.Amounts))
	for i, raw := range params.Amounts {
		amount, err := parseAmount(raw)
		if err != nil {
			return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("invalid amount at index %d", i), err.Error())
		}
		amounts[i] = amount
	}
	incoming, err := parseAmount(params.IncomingFunds)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid incomingFunds", err.Error())
	}

	if err := s.ledger.SetBatches(funder, roots, amounts, incoming); err != nil {
		return writeRefundError(w, req.ID, err)
	}
	balance, err := s.ledger.Balance(funder)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load balance", err.Error())
	}
	return writeResult(w, req.ID, balanceResult{Funder: formatAddress(funder), Balance: formatAmount(balance)})
}

func (s *Server) handleIncreaseBalance(w http.ResponseWriter, req *RPCRequest) int {
	var params balanceChangeParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	balance, err := s.ledger.IncreaseBalance(funder, amount)
	if err != nil {
		return writeRefundError(w, req.ID, err)
	}
	return writeResult(w, req.ID, balanceResult{Funder: formatAddress(funder), Balance: formatAmount(balance)})
}

func (s *Server) handleDecreaseBalance(w http.ResponseWriter, req *RPCRequest) int {
	var params balanceChangeParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
	}
	balance, err := s.ledger.DecreaseBalance(funder, amount)
	if err != nil {
		return writeRefundError(w, req.ID, err)
	}
	return writeResult(w, req.ID, balanceResult{Funder: formatAddress(funder), Balance: formatAmount(balance)})
}

func (s *Server) handleRemoveBatches(w http.ResponseWriter, req *RPCRequest) int {
	var params funderParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	paid, err := s.ledger.RemoveBatches(funder)
	if err != nil {
		return writeRefundError(w, req.ID, err)
	}
	return writeResult(w, req.ID, payoutResult{Funder: formatAddress(funder), Amount: formatAmount(paid)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) int {
	var params funderParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	paid, err := s.ledger.Withdraw(funder)
	if err != nil {
		return writeRefundError(w, req.ID, err)
	}
	return writeResult(w, req.ID, payoutResult{Funder: formatAddress(funder), Amount: formatAmount(paid)})
}

func (s *Server) handleClaim(w http.ResponseWriter, req *RPCRequest) int {
	var params claimParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient address", err.Error())
	}
	proof := make([][32]byte, len(params.Proof))
	for i, raw := range params.Proof {
		node, err := parseHash32(raw)
		if err != nil {
			return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("invalid proof node at index %d", i), err.Error())
		}
		proof[i] = node
	}
	amount, err := s.ledger.Claim(funder, recipient, proof)
	if err != nil {
		return writeRefundError(w, req.ID, err)
	}
	return writeResult(w, req.ID, claimResult{
		Funder:    formatAddress(funder),
		Recipient: formatAddress(recipient),
		Amount:    formatAmount(amount),
	})
}

func (s *Server) handleGetBatches(w http.ResponseWriter, req *RPCRequest) int {
	var params funderParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	batches, err := s.ledger.Batches(funder)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load batches", err.Error())
	}
	views := make([]batchView, len(batches))
	for i, batch := range batches {
		views[i] = batchView{
			Root:   "0x" + hex.EncodeToString(batch.Root[:]),
			Amount: formatAmount(batch.Amount),
		}
	}
	return writeResult(w, req.ID, batchesResult{Funder: formatAddress(funder), Batches: views})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) int {
	var params funderParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	balance, err := s.ledger.Balance(funder)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load balance", err.Error())
	}
	return writeResult(w, req.ID, balanceResult{Funder: formatAddress(funder), Balance: formatAmount(balance)})
}

func (s *Server) handleGetClaimed(w http.ResponseWriter, req *RPCRequest) int {
	var params claimedParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	funder, err := parseAddress(params.Funder)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid funder address", err.Error())
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient address", err.Error())
	}
	claimed, err := s.ledger.Claimed(funder, recipient)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load claim record", err.Error())
	}
	return writeResult(w, req.ID, claimedResult{
		Funder:    formatAddress(funder),
		Recipient: formatAddress(recipient),
		Claimed:   claimed,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, req *RPCRequest) int {
	var params accountParams
	if err := singleParam(req, &params); err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		return writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
	}
	account, err := s.ledger.GetAccount(addr[:])
	if err != nil {
		return writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load account", err.Error())
	}
	return writeResult(w, req.ID, accountResult{
		Address: formatAddress(addr),
		Balance: formatAmount(account.Balance),
		Nonce:   account.Nonce,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, req *RPCRequest) int {
	checkpoint := s.ledger.Checkpoint()
	lastSeq, err := s.ledger.LastEventSeq()
	if err != nil {
		return writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read journal", err.Error())
	}
	vault := s.ledger.VaultAddress()
	return writeResult(w, req.ID, infoResult{
		StateRoot:    checkpoint.StateRoot.Hex(),
		Revision:     checkpoint.Revision,
		UpdatedAt:    checkpoint.UpdatedAt.Unix(),
		Vault:        formatAddress(vault),
		LastEventSeq: lastSeq,
	})
}
