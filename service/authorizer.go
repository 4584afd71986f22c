// Package service orchestrates the authorization pipeline: decide whether a
// grant should exist, gather the facts it needs, sign it, and record it,
// in that order, always failing closed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bloomgate/grant"
	"bloomgate/identity"
	"bloomgate/ledger"
	"bloomgate/observability"
	"bloomgate/tipbot"
)

// Resolver is the identity directory surface the pipeline consumes.
type Resolver interface {
	ResolveBatch(ctx context.Context, ids []grant.SocialID) (map[grant.SocialID]common.Address, error)
}

// ChainReader reads the verifying contract's authoritative state.
type ChainReader interface {
	Nonce(ctx context.Context, addr common.Address) (*uint256.Int, error)
	HasClaimed(ctx context.Context, addr common.Address) (bool, error)
}

// Ledger is the issued-grant store plus the verdict read path.
type Ledger interface {
	IssueOnce(ctx context.Context, key ledger.Key, factory func(context.Context) (*grant.Grant, error)) (*grant.Grant, bool, error)
	Verdict(ctx context.Context, id grant.SocialID) (*ledger.Verdict, bool, error)
}

// Config fixes the deployment the service signs for.
type Config struct {
	ChainID     uint64
	Verifier    common.Address
	GrantTTL    time.Duration
	ClaimWindow time.Duration
	DailyReward string
}

// ReplyEvent is one inbound reply-style post from the command source. The
// feed is at-least-once; duplicates are collapsed by the ledger.
type ReplyEvent struct {
	EventID        string
	AuthorID       grant.SocialID
	ParentAuthorID grant.SocialID
	Text           string
	Timestamp      time.Time
}

// ClaimRequest asks for the daily reward grant for one principal.
type ClaimRequest struct {
	SocialID grant.SocialID
}

// Outcome is the typed result of one authorization attempt. Exactly one of
// Grant, Denial, or NoOp is meaningful; upstream failures travel as errors.
type Outcome struct {
	Grant    *grant.Grant
	Denial   *grant.Denial
	NoOp     bool
	Replayed bool
}

// Authorizer wires the pipeline components. Stateless per request; the only
// shared state is the read-only signer and the collaborator clients.
type Authorizer struct {
	parser   *tipbot.Parser
	resolver Resolver
	chain    ChainReader
	ledger   Ledger
	signer   *grant.Signer
	metrics  *observability.GatewayMetrics
	log      *slog.Logger

	chainID     uint64
	verifier    common.Address
	grantTTL    time.Duration
	claimWindow time.Duration
	dailyReward *uint256.Int

	nowFn func() time.Time
}

// New validates the wiring and returns an Authorizer.
func New(parser *tipbot.Parser, resolver Resolver, chain ChainReader, store Ledger, signer *grant.Signer, metrics *observability.GatewayMetrics, log *slog.Logger, cfg Config) (*Authorizer, error) {
	if parser == nil {
		return nil, errors.New("service: parser required")
	}
	if resolver == nil {
		return nil, errors.New("service: resolver required")
	}
	if chain == nil {
		return nil, errors.New("service: chain reader required")
	}
	if store == nil {
		return nil, errors.New("service: ledger required")
	}
	if signer == nil {
		return nil, errors.New("service: signer required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("service: chain id required")
	}
	if cfg.Verifier == (common.Address{}) {
		return nil, errors.New("service: verifier address required")
	}
	reward, err := grant.ParseAmountWei(cfg.DailyReward)
	if err != nil {
		return nil, fmt.Errorf("service: daily reward: %w", err)
	}
	ttl := cfg.GrantTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	window := cfg.ClaimWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Authorizer{
		parser:      parser,
		resolver:    resolver,
		chain:       chain,
		ledger:      store,
		signer:      signer,
		metrics:     metrics,
		log:         log,
		chainID:     cfg.ChainID,
		verifier:    cfg.Verifier,
		grantTTL:    ttl,
		claimWindow: window,
		dailyReward: reward,
		nowFn:       time.Now,
	}, nil
}

// SignerAddress exposes the backend signer address for health/introspection.
func (a *Authorizer) SignerAddress() common.Address {
	return a.signer.Address()
}

// AuthorizeTip runs the tip pipeline for one reply event. A text without a
// command is a no-op, not an error. The self-tip check runs before any
// network or storage access.
func (a *Authorizer) AuthorizeTip(ctx context.Context, ev ReplyEvent) (Outcome, error) {
	now := a.nowFn()
	cmd, ok := a.parser.Command(ev.EventID, ev.AuthorID, ev.ParentAuthorID, ev.Text, now)
	if !ok || ev.ParentAuthorID == 0 {
		a.metrics.ParseMiss()
		return Outcome{NoOp: true}, nil
	}
	if cmd.SenderID == cmd.ReceiverID {
		return a.deny(grant.KindTip, grant.ReasonSelfTip), nil
	}

	amountWei, err := grant.ParseAmountWei(cmd.Amount)
	if err != nil {
		// The parser only emits decimals; an unparsable amount here means
		// the two stages disagree and the event must not be signed.
		return Outcome{}, fmt.Errorf("tip amount: %w", err)
	}

	resolved, err := a.resolver.ResolveBatch(ctx, []grant.SocialID{cmd.SenderID, cmd.ReceiverID})
	if err != nil {
		a.metrics.UpstreamFailure("directory")
		return Outcome{}, fmt.Errorf("%w: %v", grant.ErrUpstream, err)
	}
	from, ok := resolved[cmd.SenderID]
	if !ok {
		return a.deny(grant.KindTip, grant.ReasonNoWallet), nil
	}
	to, ok := resolved[cmd.ReceiverID]
	if !ok {
		return a.deny(grant.KindTip, grant.ReasonNoWallet), nil
	}

	eventHash := grant.TipEventHash(cmd.SourceEventID)
	key := ledger.Key{Kind: grant.KindTip, EventHash: eventHash, From: from}
	fields := grant.Fields{
		Kind:      grant.KindTip,
		From:      from,
		To:        to,
		AmountWei: amountWei,
		FromID:    cmd.SenderID,
		ToID:      cmd.ReceiverID,
		EventHash: eventHash,
		ChainID:   a.chainID,
		Verifier:  a.verifier,
	}
	return a.issue(ctx, key, fields)
}

// AuthorizeClaim runs the daily reward pipeline. The off-chain verdict check
// is an early exit; the contract's claimed-in-window view is consulted too
// and remains the final authority.
func (a *Authorizer) AuthorizeClaim(ctx context.Context, req ClaimRequest) (Outcome, error) {
	now := a.nowFn()
	verdict, found, err := a.ledger.Verdict(ctx, req.SocialID)
	if err != nil {
		a.metrics.UpstreamFailure("ledger")
		return Outcome{}, fmt.Errorf("%w: %v", grant.ErrUpstream, err)
	}
	if !found {
		return a.deny(grant.KindClaim, grant.ReasonNoVerdict), nil
	}
	if !verdict.Favorable {
		return a.deny(grant.KindClaim, grant.ReasonNotEligible), nil
	}
	if verdict.ClaimedAt != nil && a.inClaimWindow(*verdict.ClaimedAt, now) {
		return a.deny(grant.KindClaim, grant.ReasonAlreadyClaimed), nil
	}

	resolved, err := a.resolver.ResolveBatch(ctx, []grant.SocialID{req.SocialID})
	if err != nil {
		a.metrics.UpstreamFailure("directory")
		return Outcome{}, fmt.Errorf("%w: %v", grant.ErrUpstream, err)
	}
	claimant, ok := resolved[req.SocialID]
	if !ok {
		return a.deny(grant.KindClaim, grant.ReasonNoWallet), nil
	}

	claimed, err := a.chain.HasClaimed(ctx, claimant)
	if err != nil {
		a.metrics.UpstreamFailure("chain")
		return Outcome{}, fmt.Errorf("%w: %v", grant.ErrUpstream, err)
	}
	if claimed {
		return a.deny(grant.KindClaim, grant.ReasonAlreadyClaimed), nil
	}

	eventHash := grant.ClaimEventHash(claimant)
	key := ledger.Key{Kind: grant.KindClaim, EventHash: eventHash, From: claimant}
	fields := grant.Fields{
		Kind:      grant.KindClaim,
		From:      claimant,
		To:        claimant,
		AmountWei: a.dailyReward,
		FromID:    req.SocialID,
		ToID:      req.SocialID,
		EventHash: eventHash,
		ChainID:   a.chainID,
		Verifier:  a.verifier,
	}
	return a.issue(ctx, key, fields)
}

// issue funnels every signing attempt through the ledger so duplicate
// requests observe the already-issued grant instead of minting a new one.
// The nonce is read inside the factory: it only leaves the contract when a
// signature will actually be produced, and always before encoding.
func (a *Authorizer) issue(ctx context.Context, key ledger.Key, fields grant.Fields) (Outcome, error) {
	issued, replayed, err := a.ledger.IssueOnce(ctx, key, func(factoryCtx context.Context) (*grant.Grant, error) {
		nonce, err := a.chain.Nonce(factoryCtx, fields.From)
		if err != nil {
			a.metrics.UpstreamFailure("chain")
			return nil, err
		}
		fields.Nonce = nonce
		fields.Deadline = uint64(a.nowFn().Add(a.grantTTL).Unix())
		return a.signer.Sign(fields, a.nowFn())
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", grant.ErrUpstream, err)
	}
	if !replayed {
		a.metrics.GrantIssued(string(fields.Kind))
		a.log.Info("grant issued",
			slog.String("kind", string(fields.Kind)),
			slog.String("from", fields.From.Hex()),
			slog.String("event_hash", fields.EventHash.Hex()),
			slog.Uint64("deadline", issued.Deadline),
		)
	}
	return Outcome{Grant: issued, Replayed: replayed}, nil
}

func (a *Authorizer) deny(kind grant.Kind, reason grant.Reason) Outcome {
	a.metrics.Denied(string(kind), string(reason))
	return Outcome{Denial: &grant.Denial{Reason: reason}}
}

// inClaimWindow reports whether a previous claim timestamp falls inside the
// window containing now. Windows are aligned to UTC midnight for the default
// 24h window.
func (a *Authorizer) inClaimWindow(claimedAt, now time.Time) bool {
	windowStart := now.UTC().Truncate(a.claimWindow)
	return !claimedAt.UTC().Before(windowStart)
}

var _ Resolver = (*identity.Client)(nil)
