package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"go.openly.dev/pointy"

	"github.com/sand/solana-trading-bot/backend/internal/metrics"
)

var (
	// ErrSubmissionFailed means the network definitely did not apply the
	// transaction: preflight rejection, on-chain error or expired blockhash.
	ErrSubmissionFailed = errors.New("transaction submission failed")
	// ErrUnknownOutcome means the transaction may have landed. It must be
	// reconciled by an operator and never resubmitted automatically.
	ErrUnknownOutcome = errors.New("transaction outcome unknown")
	ErrDryRun         = errors.New("dry run, transaction was only simulated")
	ErrMalformedTx    = errors.New("malformed transaction payload")
)

// RPC is the subset of *rpc.Client the submitter needs.
type RPC interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
}

type SubmitterConfig struct {
	Commitment     rpc.CommitmentType
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	DryRun         bool
}

type Submitter struct {
	logger  *slog.Logger
	rpc     RPC
	cfg     SubmitterConfig
	metrics *metrics.Metrics
}

// Submission is what is known about a sent transaction. Signature is set
// even when an error is returned, as long as the transaction was signed.
type Submission struct {
	Signature solana.Signature
	Slot      uint64
}

func NewSubmitter(logger *slog.Logger, client RPC, cfg SubmitterConfig, m *metrics.Metrics) *Submitter {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Submitter{logger: logger.With("component", "submitter"), rpc: client, cfg: cfg, metrics: m}
}

// DecodeTransaction parses the wire encoding returned by the swap builder.
func DecodeTransaction(payload []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	if len(tx.Message.AccountKeys) == 0 || tx.Message.Header.NumRequiredSignatures == 0 {
		return nil, fmt.Errorf("%w: no signers", ErrMalformedTx)
	}
	return tx, nil
}

// Submit sends a signed transaction once and waits for it to reach the
// configured commitment. It never resends.
func (s *Submitter) Submit(ctx context.Context, tx *solana.Transaction, lastValidBlockHeight uint64) (Submission, error) {
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return Submission{}, fmt.Errorf("%w: transaction is not signed", ErrSubmissionFailed)
	}
	sub := Submission{Signature: tx.Signatures[0]}
	log := s.logger.With("signature", sub.Signature.String())

	if s.cfg.DryRun {
		return sub, s.simulate(ctx, tx)
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: s.cfg.Commitment,
		MaxRetries:          pointy.Uint(0),
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			s.metrics.Transaction("rejected")
			log.WarnContext(ctx, "transaction rejected by rpc node", "code", rpcErr.Code, "message", rpcErr.Message)
			return sub, fmt.Errorf("%w: %s", ErrSubmissionFailed, rpcErr.Message)
		}
		// the request may have reached the leader before the error
		s.metrics.Transaction("unknown")
		log.ErrorContext(ctx, "transaction send outcome unknown", "error", err)
		return sub, fmt.Errorf("%w: send: %v", ErrUnknownOutcome, err)
	}
	if !sig.Equals(sub.Signature) {
		log.WarnContext(ctx, "rpc returned a different signature", "returned", sig.String())
	}

	sub.Slot, err = s.confirm(ctx, sub.Signature, lastValidBlockHeight)
	switch {
	case err == nil:
		s.metrics.Transaction("confirmed")
		log.InfoContext(ctx, "transaction confirmed", "slot", sub.Slot)
	case errors.Is(err, ErrSubmissionFailed):
		s.metrics.Transaction("failed")
		log.WarnContext(ctx, "transaction failed on chain", "error", err)
	default:
		s.metrics.Transaction("unknown")
		log.ErrorContext(ctx, "transaction confirmation unknown", "error", err)
	}
	return sub, err
}

func (s *Submitter) confirm(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		slot, state, err := s.checkStatus(ctx, sig)
		if state == sigFinal {
			return slot, err
		}
		if err != nil {
			lastErr = err
		}

		if lastValidBlockHeight > 0 {
			height, hErr := s.rpc.GetBlockHeight(ctx, s.cfg.Commitment)
			if hErr == nil && height > lastValidBlockHeight {
				// one last look: it could have landed right before expiry
				slot, state, err = s.checkStatus(ctx, sig)
				switch {
				case state == sigFinal:
					return slot, err
				case state == sigPending:
					return 0, fmt.Errorf("%w: blockhash expired at height %d with signature seen at slot %d below %s",
						ErrUnknownOutcome, height, slot, s.cfg.Commitment)
				case err != nil:
					return 0, fmt.Errorf("%w: blockhash expired at height %d, final status lookup: %v",
						ErrUnknownOutcome, height, err)
				}
				return 0, fmt.Errorf("%w: blockhash expired at height %d", ErrSubmissionFailed, height)
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return 0, fmt.Errorf("%w: confirmation timed out: %v", ErrUnknownOutcome, lastErr)
			}
			return 0, fmt.Errorf("%w: confirmation timed out after %s", ErrUnknownOutcome, s.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

type sigState int

const (
	// sigMissing: the node has no status for the signature.
	sigMissing sigState = iota
	// sigPending: seen, but below the configured commitment.
	sigPending
	// sigFinal: failed on chain or reached the commitment.
	sigFinal
)

func (s *Submitter) checkStatus(ctx context.Context, sig solana.Signature) (uint64, sigState, error) {
	res, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, sigMissing, nil
		}
		return 0, sigMissing, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return 0, sigMissing, nil
	}

	st := res.Value[0]
	if st.Err != nil {
		return st.Slot, sigFinal, fmt.Errorf("%w: %v", ErrSubmissionFailed, st.Err)
	}
	if reached(st.ConfirmationStatus, s.cfg.Commitment) {
		return st.Slot, sigFinal, nil
	}
	return st.Slot, sigPending, nil
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	return rank[string(status)] >= rank[string(want)] && rank[string(status)] > 0
}

func (s *Submitter) simulate(ctx context.Context, tx *solana.Transaction) error {
	res, err := s.rpc.SimulateTransaction(ctx, tx)
	s.metrics.Transaction("simulated")
	if err != nil {
		return fmt.Errorf("%w: simulation: %v", ErrDryRun, err)
	}
	if res != nil && res.Value != nil && res.Value.Err != nil {
		return fmt.Errorf("%w: simulation error: %v", ErrDryRun, res.Value.Err)
	}
	s.logger.InfoContext(ctx, "dry run simulation succeeded", "signature", tx.Signatures[0].String())
	return ErrDryRun
}

// Balance returns the SOL balance of account at the configured commitment.
func (s *Submitter) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	pub, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid account %q: %w", account, err)
	}
	res, err := s.rpc.GetBalance(ctx, pub, s.cfg.Commitment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return LamportsToSOL(res.Value), nil
}
