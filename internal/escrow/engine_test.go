package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxsettle/internal/access"
	"fxsettle/internal/audit"
	"fxsettle/internal/errs"
	"fxsettle/internal/ledger"
)

var (
	vault     = common.HexToAddress("0x000000000000000000000000000000000000fa01")
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	benefic   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	arbiter   = common.HexToAddress("0x00000000000000000000000000000000000000a7")
	reporter  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	signerA   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	signerB   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	signerC   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	clock  *clock
	sink   *audit.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	l := ledger.New(zerolog.Nop())
	require.NoError(t, l.Credit(depositor, "USDC", decimal.NewFromInt(1000)))
	checker := access.NewStatic(nil)
	checker.Grant(arbiter, access.EscrowArbiter)
	checker.Grant(reporter, access.OracleCondition)
	sink := audit.NewMemory()
	e := New(l, Options{Vault: vault, Now: c.Now, Audit: sink, Access: checker}, zerolog.Nop())
	return &fixture{engine: e, ledger: l, clock: c, sink: sink}
}

func (f *fixture) create(t *testing.T, cond ConditionType, params Params) string {
	t.Helper()
	id, err := f.engine.Create(context.Background(), CreateRequest{
		PaymentID:   "pay-1",
		Depositor:   depositor,
		Beneficiary: benefic,
		Token:       "USDC",
		Amount:      decimal.NewFromInt(100),
		Condition:   cond,
		Params:      params,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(owner common.Address) string {
	return f.ledger.Balance(owner, "USDC").String()
}

func TestTimeBasedReleaseIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, TimeBased, Params{ReleaseTime: f.clock.now.Add(time.Hour)})
	assert.Equal(t, "100", f.balance(vault))
	assert.Equal(t, "900", f.balance(depositor))

	released, err := f.engine.TryRelease(ctx, id)
	require.NoError(t, err)
	assert.False(t, released)

	f.clock.now = f.clock.now.Add(time.Hour)
	released, err = f.engine.TryRelease(ctx, id)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, "100", f.balance(benefic))
	assert.Equal(t, "0", f.balance(vault))

	_, err = f.engine.TryRelease(ctx, id)
	assert.True(t, errs.Is(err, errs.PreconditionFailed))
	assert.True(t, errs.Is(f.engine.Dispute(ctx, id, depositor, "late"), errs.PreconditionFailed))
	assert.True(t, errs.Is(f.engine.Refund(ctx, id, arbiter), errs.PreconditionFailed))

	assert.Equal(t, "100", f.balance(benefic))
	assert.Equal(t, "900", f.balance(depositor))
	esc, err := f.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Released, esc.Status)
	assert.Equal(t, 1, f.sink.Count(EventReleased))
}

func TestApprovalCondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, Approval, Params{})

	require.NoError(t, f.engine.Approve(ctx, id, benefic))
	released, _ := f.engine.TryRelease(ctx, id)
	assert.False(t, released)

	assert.True(t, errs.Is(f.engine.Approve(ctx, id, arbiter), errs.Unauthorized))
	require.NoError(t, f.engine.Approve(ctx, id, depositor))
	assert.True(t, errs.Is(f.engine.Approve(ctx, id, depositor), errs.PreconditionFailed))

	released, err := f.engine.TryRelease(ctx, id)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestApprovalRequiringBeneficiary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, Approval, Params{RequireBeneficiaryApproval: true})

	require.NoError(t, f.engine.Approve(ctx, id, depositor))
	released, _ := f.engine.TryRelease(ctx, id)
	assert.False(t, released)

	require.NoError(t, f.engine.Approve(ctx, id, benefic))
	released, _ = f.engine.TryRelease(ctx, id)
	assert.True(t, released)
}

func TestOracleConditionRequiresCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, Oracle, Params{})

	assert.True(t, errs.Is(f.engine.SetOracleConditionMet(ctx, id, depositor), errs.Unauthorized))
	require.NoError(t, f.engine.SetOracleConditionMet(ctx, id, reporter))

	released, err := f.engine.TryRelease(ctx, id)
	require.NoError(t, err)
	assert.True(t, released)

	timed := f.create(t, TimeBased, Params{ReleaseTime: f.clock.now.Add(time.Hour)})
	assert.True(t, errs.Is(f.engine.SetOracleConditionMet(ctx, timed, reporter), errs.PreconditionFailed))
}

func TestMultiSig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, MultiSig, Params{Signers: []common.Address{signerA, signerB, signerC}, RequiredSignatures: 2})

	require.NoError(t, f.engine.Sign(ctx, id, signerB))
	assert.True(t, errs.Is(f.engine.Sign(ctx, id, signerB), errs.PreconditionFailed))
	assert.True(t, errs.Is(f.engine.Sign(ctx, id, depositor), errs.Unauthorized))
	released, _ := f.engine.TryRelease(ctx, id)
	assert.False(t, released)

	require.NoError(t, f.engine.Sign(ctx, id, signerA))
	esc, _ := f.engine.Get(id)
	assert.Equal(t, []common.Address{signerA, signerB}, esc.Signatures)
	released, _ = f.engine.TryRelease(ctx, id)
	assert.True(t, released)
}

func TestDisputeAndSplitResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, Approval, Params{})

	assert.True(t, errs.Is(f.engine.Dispute(ctx, id, arbiter, "not a party"), errs.Unauthorized))
	require.NoError(t, f.engine.Dispute(ctx, id, benefic, "goods not delivered"))

	assert.True(t, errs.Is(f.engine.Approve(ctx, id, depositor), errs.PreconditionFailed))
	assert.True(t, errs.Is(f.engine.Refund(ctx, id, arbiter), errs.PreconditionFailed))
	_, err := f.engine.TryRelease(ctx, id)
	assert.True(t, errs.Is(err, errs.PreconditionFailed))

	err = f.engine.ResolveDispute(ctx, id, depositor, benefic, decimal.NewFromInt(60))
	assert.True(t, errs.Is(err, errs.Unauthorized))
	err = f.engine.ResolveDispute(ctx, id, arbiter, benefic, decimal.NewFromInt(101))
	assert.True(t, errs.Is(err, errs.Validation))

	require.NoError(t, f.engine.ResolveDispute(ctx, id, arbiter, benefic, decimal.NewFromInt(60)))
	assert.Equal(t, "60", f.balance(benefic))
	assert.Equal(t, "940", f.balance(depositor))
	assert.Equal(t, "0", f.balance(vault))

	esc, _ := f.engine.Get(id)
	assert.Equal(t, Released, esc.Status)
	assert.Equal(t, "goods not delivered", esc.DisputeReason)
	err = f.engine.ResolveDispute(ctx, id, arbiter, benefic, decimal.Zero)
	assert.True(t, errs.Is(err, errs.PreconditionFailed))
}

func TestDisputeWindowCloses(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Approval, Params{DisputeWindow: time.Hour})
	f.clock.now = f.clock.now.Add(time.Hour)
	err := f.engine.Dispute(context.Background(), id, depositor, "too late")
	assert.True(t, errs.Is(err, errs.PreconditionFailed))
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, Approval, Params{RefundDelay: 48 * time.Hour})

	assert.True(t, errs.Is(f.engine.Refund(ctx, id, benefic), errs.Unauthorized))
	assert.True(t, errs.Is(f.engine.Refund(ctx, id, depositor), errs.PreconditionFailed))

	f.clock.now = f.clock.now.Add(48 * time.Hour)
	require.NoError(t, f.engine.Refund(ctx, id, depositor))
	assert.Equal(t, "1000", f.balance(depositor))

	assert.True(t, errs.Is(f.engine.Refund(ctx, id, depositor), errs.PreconditionFailed))
	_, err := f.engine.TryRelease(ctx, id)
	assert.True(t, errs.Is(err, errs.PreconditionFailed))
	assert.Equal(t, "1000", f.balance(depositor))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := CreateRequest{Depositor: depositor, Beneficiary: benefic, Token: "USDC", Amount: decimal.NewFromInt(1)}

	req := base
	req.Beneficiary = depositor
	req.Condition = Approval
	_, err := f.engine.Create(ctx, req)
	assert.True(t, errs.Is(err, errs.Validation))

	req = base
	req.Condition = TimeBased
	_, err = f.engine.Create(ctx, req)
	assert.True(t, errs.Is(err, errs.Validation))

	req = base
	req.Condition = MultiSig
	req.Params = Params{Signers: []common.Address{signerA}, RequiredSignatures: 2}
	_, err = f.engine.Create(ctx, req)
	assert.True(t, errs.Is(err, errs.Validation))

	req = base
	req.Condition = Approval
	req.Amount = decimal.NewFromInt(5000)
	_, err = f.engine.Create(ctx, req)
	assert.True(t, errs.Is(err, errs.PreconditionFailed))

	_, err = f.engine.Get("missing")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestValidateParams(t *testing.T) {
	assert.NoError(t, ValidateParams(Approval, Params{}))
	assert.NoError(t, ValidateParams(TimeBased, Params{ReleaseTime: time.Now()}))
	assert.NoError(t, ValidateParams(MultiSig, Params{Signers: []common.Address{signerA}, RequiredSignatures: 1}))

	assert.Error(t, ValidateParams(TimeBased, Params{}))
	assert.Error(t, ValidateParams(MultiSig, Params{}))
	assert.Error(t, ValidateParams(MultiSig, Params{Signers: []common.Address{signerA, signerA}, RequiredSignatures: 2}))
	assert.Error(t, ValidateParams(Oracle, Params{RefundDelay: -time.Hour}))
	assert.Error(t, ValidateParams(ConditionType(42), Params{}))
}
