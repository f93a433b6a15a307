// Package xrpl implements the witness pipeline that turns an attestation
// intent into an XRPL self-payment carrying a memo, submits it, and
// confirms it landed — component C7. plan is pure; submit and
// confirm are impure, driving the two narrow client/signer ports.
package xrpl

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nexusctl/core/internal/xrplerr"
	"github.com/nexusctl/core/pkg/attestqueue"
	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// MemoVersion is the current memo_payload schema version.
const MemoVersion = 1

// MemoType is the fixed memo type tag carried by every attestation memo.
const MemoType = "nexus.attest"

// MaxMemoBytes is the hard cap on a canonical memo's encoded length.
const MaxMemoBytes = 700

// DefaultAmountDrops is the self-payment amount used when the caller does not
// need a distinguishing non-zero value; XRPL rejects zero-value payments on
// some account configurations, so 1 drop is the safer default.
const DefaultAmountDrops = "1"

const backendName = "xrpl"

// AnchorPlan is the pure output of Plan.
type AnchorPlan struct {
	IntentDigest string
	MemoPayload  map[string]interface{}
	MemoDataHex  string
	MemoDigest   string
	Account      string
	AmountDrops  string
	Tx           map[string]interface{}
}

// Plan builds an AnchorPlan for intent against account. It is pure: no I/O,
// no clock reads, deterministic given (intent, account).
func Plan(intent attestqueue.Intent, account string) (*AnchorPlan, error) {
	intentDigest, err := attestqueue.ComputeIntentDigest(intent)
	if err != nil {
		return nil, fmt.Errorf("xrpl: compute intent digest: %w", err)
	}

	memo := map[string]interface{}{
		"v":  MemoVersion,
		"t":  MemoType,
		"id": "sha256:" + intentDigest,
		"st": intent.SubjectType,
		"bd": intent.BindingDigest,
	}
	if intent.PackageVersion != nil {
		memo["pv"] = *intent.PackageVersion
	}
	if intent.RunID != nil {
		memo["rid"] = *intent.RunID
	}
	if intent.Env != nil {
		memo["env"] = *intent.Env
	}
	if intent.Tenant != nil {
		memo["ten"] = *intent.Tenant
	}

	memoBytes, err := canonical.Marshal(memo)
	if err != nil {
		return nil, fmt.Errorf("xrpl: marshal memo payload: %w", err)
	}
	if len(memoBytes) > MaxMemoBytes {
		return nil, nexuserr.Newf(nexuserr.CodeMemoTooLarge, "memo is %d bytes, exceeds the %d byte limit", len(memoBytes), MaxMemoBytes)
	}

	memoDigest := "sha256:" + canonical.SHA256Hex(memoBytes)
	memoDataHex := hex.EncodeToString(memoBytes)

	tx := map[string]interface{}{
		"TransactionType": "Payment",
		"Account":         account,
		"Destination":     account,
		"Amount":          DefaultAmountDrops,
		"Memos": []interface{}{
			map[string]interface{}{
				"Memo": map[string]interface{}{
					"MemoType": hex.EncodeToString([]byte(MemoType)),
					"MemoData": memoDataHex,
				},
			},
		},
	}

	return &AnchorPlan{
		IntentDigest: intentDigest,
		MemoPayload:  memo,
		MemoDataHex:  memoDataHex,
		MemoDigest:   memoDigest,
		Account:      account,
		AmountDrops:  DefaultAmountDrops,
		Tx:           tx,
	}, nil
}

// SignResult is what a Signer returns for a successful sign.
type SignResult struct {
	SignedTxBlobHex string
	TxHash          string
	KeyID           string
}

// Signer is the XRPL signer port. It is the only place private
// key material exists; this package never inspects the signed blob's
// contents beyond the hex string it is handed.
type Signer interface {
	Account() string
	KeyID() string
	Sign(ctx context.Context, unsignedTx map[string]interface{}) (SignResult, error)
}

// SubmitResult is what a Client returns for submit.
type SubmitResult struct {
	Accepted       bool
	TxHash         string
	EngineResult   string
	Detail         string
	ExchangeDigest string
}

// TxStatusResult is what a Client returns for get_tx.
type TxStatusResult struct {
	Found           bool
	Validated       bool
	LedgerIndex     int64
	EngineResult    string
	LedgerCloseTime string
	ExchangeDigest  string
}

// Client is the XRPL client port. Both methods may return a
// transport error, which the pipeline maps to BACKEND_UNAVAILABLE (or
// TIMEOUT for a context deadline).
type Client interface {
	Submit(ctx context.Context, signedTxBlobHex string) (SubmitResult, error)
	GetTx(ctx context.Context, txHash string) (TxStatusResult, error)
}

// ClassifyEngineResult maps an XRPL engine result code to a stable error
// code, delegating to internal/xrplerr's prefix table.
func ClassifyEngineResult(engineResult string) nexuserr.Code {
	return xrplerr.ClassifyEngineResult(engineResult)
}

func evidenceWithMemo(memoDigest string, key, exchangeDigest string) map[string]string {
	evidence := map[string]string{"memo_digest": memoDigest}
	if exchangeDigest != "" {
		evidence[key] = exchangeDigest
	}
	return evidence
}

func failedReceipt(intentDigest string, attempt int, createdAt time.Time, code nexuserr.Code, detail string, evidence map[string]string) attestqueue.Receipt {
	return attestqueue.Receipt{
		ReceiptVersion:  "1",
		IntentDigest:    intentDigest,
		Backend:         backendName,
		Attempt:         attempt,
		Status:          attestqueue.StatusFailed,
		CreatedAt:       createdAt,
		EvidenceDigests: evidence,
		Proof:           map[string]interface{}{},
		Error:           &attestqueue.ReceiptError{Code: string(code), Detail: detail},
	}
}

// Submit executes the impure submit half of the pipeline: sign,
// then submit the signed blob, and translate the outcome into a Receipt.
func Submit(ctx context.Context, plan *AnchorPlan, client Client, signer Signer, attempt int, createdAt time.Time) attestqueue.Receipt {
	evidence := evidenceWithMemo(plan.MemoDigest, "xrpl.submit.exchange", "")

	signed, err := signer.Sign(ctx, plan.Tx)
	if err != nil {
		return failedReceipt(plan.IntentDigest, attempt, createdAt, nexuserr.CodeRejected, err.Error(), evidence)
	}

	result, err := client.Submit(ctx, signed.SignedTxBlobHex)
	if err != nil {
		return failedReceipt(plan.IntentDigest, attempt, createdAt, xrplerr.ClassifyTransportError(err), err.Error(), evidence)
	}

	evidence = evidenceWithMemo(plan.MemoDigest, "xrpl.submit.exchange", result.ExchangeDigest)

	if result.Accepted {
		return attestqueue.Receipt{
			ReceiptVersion:  "1",
			IntentDigest:    plan.IntentDigest,
			Backend:         backendName,
			Attempt:         attempt,
			Status:          attestqueue.StatusSubmitted,
			CreatedAt:       createdAt,
			EvidenceDigests: evidence,
			Proof: map[string]interface{}{
				"tx_hash":       result.TxHash,
				"engine_result": result.EngineResult,
				"key_id":        signed.KeyID,
			},
		}
	}

	detail := result.EngineResult
	if result.Detail != "" {
		detail = detail + ": " + result.Detail
	}
	return failedReceipt(plan.IntentDigest, attempt, createdAt, ClassifyEngineResult(result.EngineResult), detail, evidence)
}

// Confirm executes the impure confirm half of the pipeline:
// poll the transaction's status and translate it into a Receipt.
func Confirm(ctx context.Context, intentDigest, txHash string, client Client, attempt int, memoDigest string, createdAt time.Time) attestqueue.Receipt {
	status, err := client.GetTx(ctx, txHash)
	if err != nil {
		evidence := evidenceWithMemo(memoDigest, "xrpl.tx.exchange", "")
		return failedReceipt(intentDigest, attempt, createdAt, xrplerr.ClassifyTransportError(err), err.Error(), evidence)
	}

	evidence := evidenceWithMemo(memoDigest, "xrpl.tx.exchange", status.ExchangeDigest)

	if status.Validated {
		return attestqueue.Receipt{
			ReceiptVersion:  "1",
			IntentDigest:    intentDigest,
			Backend:         backendName,
			Attempt:         attempt,
			Status:          attestqueue.StatusConfirmed,
			CreatedAt:       createdAt,
			EvidenceDigests: evidence,
			Proof: map[string]interface{}{
				"tx_hash":           txHash,
				"ledger_index":      status.LedgerIndex,
				"engine_result":     status.EngineResult,
				"ledger_close_time": status.LedgerCloseTime,
			},
		}
	}

	// Both found-but-not-validated and not-yet-found are DEFERRED, not
	// errors: the transaction may still land on a later ledger.
	return attestqueue.Receipt{
		ReceiptVersion:  "1",
		IntentDigest:    intentDigest,
		Backend:         backendName,
		Attempt:         attempt,
		Status:          attestqueue.StatusDeferred,
		CreatedAt:       createdAt,
		EvidenceDigests: evidence,
		Proof:           map[string]interface{}{},
	}
}

// ProcessOne runs one worker cycle: pull at most one eligible
// intent, plan, submit, and — only if submit produced SUBMITTED — confirm.
// Returns every receipt produced this cycle (at most two). No loops, no
// backoff; the caller drives cycle cadence.
func ProcessOne(ctx context.Context, queue *attestqueue.Store, client Client, signer Signer, account string, now time.Time) ([]attestqueue.Receipt, error) {
	pending, err := queue.NextPending(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("xrpl: fetch next pending intent: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	next := pending[0]

	plan, err := Plan(next.Intent, account)
	if err != nil {
		return nil, err
	}

	submitReceipt := Submit(ctx, plan, client, signer, next.NextAttempt, now)
	if _, err := queue.RecordReceipt(ctx, submitReceipt); err != nil {
		return nil, fmt.Errorf("xrpl: record submit receipt: %w", err)
	}
	receipts := []attestqueue.Receipt{submitReceipt}

	if submitReceipt.Status != attestqueue.StatusSubmitted {
		return receipts, nil
	}

	txHash, _ := submitReceipt.Proof["tx_hash"].(string)
	confirmReceipt := Confirm(ctx, plan.IntentDigest, txHash, client, next.NextAttempt, plan.MemoDigest, now)
	if _, err := queue.RecordReceipt(ctx, confirmReceipt); err != nil {
		return nil, fmt.Errorf("xrpl: record confirm receipt: %w", err)
	}
	receipts = append(receipts, confirmReceipt)

	return receipts, nil
}
