package humanoid

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seo-optimizer/pagewalker/browser/browsertest"
	"github.com/seo-optimizer/pagewalker/config"
)

func testSimulator(t *testing.T, seed int64) *Simulator {
	t.Helper()
	cfg := config.Default().Humanoid
	return New(cfg, NoDelay(rand.New(rand.NewSource(seed))), zaptest.NewLogger(t))
}

func TestSimulateNeutralClick(t *testing.T) {
	sim := testSimulator(t, 1)
	page := browsertest.New()

	require.NoError(t, sim.Simulate(context.Background(), page, 0))

	calls := page.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "click 200,200", calls[len(calls)-1])
	assert.Equal(t, sim.cfg.PathSteps, page.CountCalls("move "))
	assert.Equal(t, "move 200,200", calls[len(calls)-2], "path ends exactly on the target")

	sim.mu.Lock()
	defer sim.mu.Unlock()
	assert.Equal(t, 200.0, sim.x)
	assert.Equal(t, 200.0, sim.y)
}

func TestSimulateActionMix(t *testing.T) {
	sim := testSimulator(t, 7)
	page := browsertest.New()
	page.On("pagewalker:safe-click", clickTarget{Found: true, X: 640, Y: 300, Text: "Read more"})
	page.On("pagewalker:fill-input", true)

	require.NoError(t, sim.Simulate(context.Background(), page, 60))

	clicks := page.CountEvaluations("pagewalker:safe-click")
	scrolls := page.CountEvaluations("pagewalker:scroll")
	fills := page.CountEvaluations("pagewalker:fill-input")
	assert.Equal(t, 60, clicks+scrolls+fills)
	assert.Positive(t, clicks)
	assert.Positive(t, scrolls)
	assert.Positive(t, fills)

	assert.Equal(t, clicks, page.CountCalls("click 640,300"))
	assert.Equal(t, clicks, page.CountCalls("wait"), "every element click waits for a possible navigation")
}

func TestSimulateIsDeterministicForSeed(t *testing.T) {
	run := func() []string {
		sim := testSimulator(t, 42)
		page := browsertest.New()
		page.On("pagewalker:safe-click", clickTarget{Found: true, X: 10, Y: 10})
		require.NoError(t, sim.Simulate(context.Background(), page, 20))
		return page.Evaluations()
	}
	assert.Equal(t, run(), run())
}

func TestSimulateSkipsFailedActions(t *testing.T) {
	sim := testSimulator(t, 3)
	page := browsertest.New()
	page.OnError("pagewalker:safe-click", errors.New("execution context was destroyed"))
	page.OnError("pagewalker:scroll", errors.New("target crashed"))
	page.WaitErr = errors.New("navigation timed out")

	assert.NoError(t, sim.Simulate(context.Background(), page, 10))
	assert.Equal(t, 10, len(page.Evaluations()))
}

func TestSimulateNoClickableElement(t *testing.T) {
	sim := testSimulator(t, 5)
	page := browsertest.New()
	page.On("pagewalker:safe-click", clickTarget{Found: false})

	require.NoError(t, sim.Simulate(context.Background(), page, 30))
	assert.Equal(t, 1, page.CountCalls("click "), "only the neutral click happens")
	assert.Zero(t, page.CountCalls("wait"))
}

func TestSimulateCancelled(t *testing.T) {
	sim := testSimulator(t, 1)
	page := browsertest.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sim.Simulate(ctx, page, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, page.Calls())
}

func TestScriptsExcludeAuthControls(t *testing.T) {
	sim := testSimulator(t, 1)

	click := sim.safeClickScript(0.5)
	for _, term := range []string{`"login"`, `"log in"`, `"signup"`, `"sign up"`} {
		assert.Contains(t, click, term)
	}
	assert.Contains(t, click, `offsetParent === null`)
	assert.Contains(t, click, `[role=\"menuitem\"]`)

	fill := sim.fillScript(0.5)
	assert.Contains(t, fill, `"password"`)
	assert.Contains(t, fill, `"email"`)
	assert.Contains(t, fill, `"technology"`)
	assert.True(t, strings.Contains(fill, `input[type=\"search\"]`))
}

func TestPacer(t *testing.T) {
	p := NewPacer(rand.New(rand.NewSource(9)))
	for i := 0; i < 100; i++ {
		d := p.Between(time.Second, 3500*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3500*time.Millisecond)
	}
	assert.Equal(t, time.Second, p.Between(time.Second, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Sleep(ctx, time.Hour), context.Canceled)

	start := time.Now()
	require.NoError(t, NoDelay(nil).Sleep(context.Background(), time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}
