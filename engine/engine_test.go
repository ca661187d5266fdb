package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vigil-mod/vigil/ledger"
	"github.com/vigil-mod/vigil/policy"
	"github.com/vigil-mod/vigil/resolver"
	"github.com/vigil-mod/vigil/scoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	scores scoring.ScoreMap
	err    error
}

func (sp *stubProvider) Name() string { return "stub" }

func (sp *stubProvider) Score(ctx context.Context, text string, attrs []string) (scoring.ScoreMap, error) {
	if sp.err != nil {
		return nil, sp.err
	}
	return sp.scores, nil
}

type recordedRun struct {
	out  *Outcome
	took time.Duration
}

type stubRecorder struct {
	runs []recordedRun
}

func (sr *stubRecorder) RecordRun(ctx context.Context, out *Outcome, took time.Duration) error {
	sr.runs = append(sr.runs, recordedRun{out, took})
	return nil
}

func engineTestFixture(mem *ledger.MemClient, scores scoring.ScoreMap) *Engine {
	return &Engine{
		Ledger:   mem,
		Resolver: resolver.NewResolver(),
		Orchestrator: &scoring.Orchestrator{
			Providers: []scoring.ProviderPolicy{
				{
					Provider: &stubProvider{scores: scores},
					Policy: policy.Policy{
						Attributes: []policy.AttributeThreshold{
							{Attribute: "TOXICITY", Threshold: 0.85},
							{Attribute: "THREAT", Threshold: 0.80},
						},
					},
				},
			},
		},
	}
}

func activeItem(mem *ledger.MemClient, ref string) {
	mem.ActiveID = 7
	mem.Items[7] = &ledger.ItemRecord{
		ID:         7,
		ContentRef: ref,
		Stake:      "1000000000000000000",
	}
}

func TestRunNoActiveItem(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	eng := engineTestFixture(mem, scoring.ScoreMap{})

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeNoActiveItem, out.Kind)
}

func TestRunAlreadyResolved(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:whatever")
	mem.Items[7].Resolved = true
	eng := engineTestFixture(mem, scoring.ScoreMap{})

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeAlreadyResolved, out.Kind)
	assert.Equal(uint64(7), out.ItemID)
}

func TestRunAlreadyFlagged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:whatever")
	mem.Flags[7] = true
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.99})

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeAlreadyFlagged, out.Kind)
	assert.Equal(0, mem.SetFlagCalls)
}

func TestRunNoRetrievableText(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "ftp://unsupported.example/file")
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.99})

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeNoRetrievableText, out.Kind)

	// whitespace-only inline text trims to nothing
	activeItem(mem, "vigil:text:%20%20%20")
	out, err = eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeNoRetrievableText, out.Kind)
}

func TestRunPassed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:have%20a%20nice%20day")
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.10, "THREAT": 0.05})

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomePassed, out.Kind)
	assert.False(out.Verdict.Flagged)
	assert.Equal(0, mem.SetFlagCalls)
	assert.False(mem.Flags[7])
}

func TestRunFlagged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:some%20nasty%20text")
	rec := &stubRecorder{}
	// both thresholds exceeded, still exactly one mutating call
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.95, "THREAT": 0.90})
	eng.Runs = rec

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeFlagged, out.Kind)
	assert.True(out.Verdict.Flagged)
	assert.Equal([]string{"TOXICITY=0.95≥0.85", "THREAT=0.90≥0.80"}, out.Verdict.Reasons)
	require.NotNil(t, out.Receipt)
	assert.True(out.Receipt.Success())
	assert.Equal(1, mem.SetFlagCalls)
	assert.True(mem.Flags[7])
	require.Len(t, rec.runs, 1)
	assert.Equal(OutcomeFlagged, rec.runs[0].out.Kind)

	// a second run against the unchanged ledger is idempotent
	out, err = eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeAlreadyFlagged, out.Kind)
	assert.Equal(1, mem.SetFlagCalls)
}

// flips the flagged state after the first read, simulating a concurrent run
// flagging the item between the eligibility check and the pre-mutation
// re-check
type racingLedger struct {
	*ledger.MemClient
	isFlaggedCalls int
}

func (rl *racingLedger) IsFlagged(ctx context.Context, id uint64) (bool, error) {
	rl.isFlaggedCalls++
	if rl.isFlaggedCalls == 2 {
		rl.Flags[id] = true
	}
	return rl.MemClient.IsFlagged(ctx, id)
}

func TestRunRecheckCatchesConcurrentFlag(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:some%20nasty%20text")
	rl := &racingLedger{MemClient: mem}
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.95})
	eng.Ledger = rl

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeAlreadyFlagged, out.Kind)
	assert.Equal(2, rl.isFlaggedCalls)
	assert.Equal(0, mem.SetFlagCalls)
}

func TestRunBenignRevertIsAlreadyFlagged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:some%20nasty%20text")
	// concurrent run lands its transaction after our re-check, before ours
	mem.SetFlagHook = func() {
		mem.Flags[7] = true
	}
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.95})

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeAlreadyFlagged, out.Kind)
	assert.Equal(1, mem.SetFlagCalls)
}

func TestRunActionFailed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:some%20nasty%20text")
	mem.SetFlagErr = errors.New("transaction reverted: out of gas")
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.95})

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeActionFailed, out.Kind)
	assert.Error(out.Err)
}

func TestRunNoProviderBecomesPassed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:some%20nasty%20text")
	eng := engineTestFixture(mem, nil)
	eng.Orchestrator.Providers[0].Provider = &stubProvider{err: scoring.ErrNoCredentials}

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	// absence of signal is never a violation
	assert.Equal(OutcomePassed, out.Kind)
	assert.Equal([]string{"no provider available"}, out.Verdict.Reasons)
	assert.Equal(scoring.ProviderNone, out.Verdict.Provider)
	assert.Equal(0, mem.SetFlagCalls)
}

func TestRunDryRun(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := ledger.NewMemClient()
	activeItem(mem, "vigil:text:some%20nasty%20text")
	rec := &stubRecorder{}
	eng := engineTestFixture(mem, scoring.ScoreMap{"TOXICITY": 0.95})
	eng.Runs = rec
	eng.DryRun = true

	out, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(OutcomeFlagged, out.Kind)
	assert.Nil(out.Receipt)
	assert.Equal(0, mem.SetFlagCalls)
	assert.False(mem.Flags[7])
	assert.Empty(rec.runs)
}
