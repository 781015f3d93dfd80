// Package ranking orders items by accumulated pairwise comparisons.
//
// A Tournament spends a bounded number of Comparator calls on distinct pairs,
// tracks wins, losses and an ELO rating per item, and returns a permutation
// of its input, best first. The algorithm knows nothing about what is being
// ranked; queries and result pages go through the same code with different
// comparators and context strings.
package ranking

import (
	"context"
	"math"
	"sort"

	"ai-research-be/internal/pkg/logger"
)

// Verdict is a comparator's answer to "which of the two is better?".
type Verdict int

const (
	Neither Verdict = iota
	First
	Second
)

func (v Verdict) String() string {
	switch v {
	case First:
		return "First"
	case Second:
		return "Second"
	default:
		return "Neither"
	}
}

// Item is anything that needs a total order. Payload carries the caller's
// own value through the ranking untouched.
type Item struct {
	ID          string
	Title       string
	Description string
	Payload     any
}

// Comparator judges two items against a ranking context.
type Comparator interface {
	Compare(ctx context.Context, a, b Item, rankCtx string) (Verdict, error)
}

// ComparatorFunc adapts a plain function to Comparator.
type ComparatorFunc func(ctx context.Context, a, b Item, rankCtx string) (Verdict, error)

func (f ComparatorFunc) Compare(ctx context.Context, a, b Item, rankCtx string) (Verdict, error) {
	return f(ctx, a, b, rankCtx)
}

const (
	defaultKFactor = 32.0
	initialRating  = 1000.0
)

// Tournament is safe for concurrent use; every Rank call keeps its own
// standings.
type Tournament struct {
	comparator        Comparator
	kFactor           float64
	convergenceWindow int
	name              string
	logger            logger.ILogger
}

type Option func(*Tournament)

// WithConvergenceWindow stops a tournament early once the ordering has not
// changed for window consecutive comparisons and every item has played at
// least once. Zero disables early stopping.
func WithConvergenceWindow(window int) Option {
	return func(t *Tournament) { t.convergenceWindow = window }
}

func WithKFactor(k float64) Option {
	return func(t *Tournament) { t.kFactor = k }
}

// WithName labels log lines, e.g. "queries" or "pages".
func WithName(name string) Option {
	return func(t *Tournament) { t.name = name }
}

func WithLogger(l logger.ILogger) Option {
	return func(t *Tournament) { t.logger = l }
}

func NewTournament(comparator Comparator, opts ...Option) *Tournament {
	t := &Tournament{
		comparator: comparator,
		kFactor:    defaultKFactor,
		name:       "tournament",
		logger:     logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Outcome reports what a Rank call spent.
type Outcome struct {
	Items       []Item
	Comparisons int
	Decisive    int
	Converged   bool
}

// Rank returns items best first. See RankWithOutcome.
func (t *Tournament) Rank(ctx context.Context, items []Item, rankCtx string, budget int) []Item {
	return t.RankWithOutcome(ctx, items, rankCtx, budget).Items
}

// RankWithOutcome runs the tournament. Comparator errors and Neither verdicts
// are neutral. With no decisive comparison, or fewer than two items, the
// input order is returned. Cancellation stops the tournament and ranks with
// whatever was played so far.
func (t *Tournament) RankWithOutcome(ctx context.Context, items []Item, rankCtx string, budget int) Outcome {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	if len(items) < 2 || budget <= 0 {
		return Outcome{Items: ordered}
	}

	s := newStandings(len(items))
	schedule := roundRobin(len(items))
	out := Outcome{}
	stable := 0
	order := s.order()

	for _, p := range schedule {
		if out.Comparisons >= budget || ctx.Err() != nil {
			break
		}

		verdict, err := t.comparator.Compare(ctx, items[p.a], items[p.b], rankCtx)
		out.Comparisons++
		s.played[p.a]++
		s.played[p.b]++

		if err != nil {
			t.logger.Warn("Ranking", "Comparator failed, treating as neutral", map[string]interface{}{
				"tournament": t.name,
				"a":          items[p.a].ID,
				"b":          items[p.b].ID,
				"error":      err,
			})
		} else {
			switch verdict {
			case First:
				s.record(p.a, p.b, t.kFactor)
				out.Decisive++
			case Second:
				s.record(p.b, p.a, t.kFactor)
				out.Decisive++
			}
		}

		if t.convergenceWindow > 0 {
			next := s.order()
			if equalOrder(order, next) {
				stable++
			} else {
				stable = 0
			}
			order = next
			if stable >= t.convergenceWindow && s.allPlayed() {
				out.Converged = true
				break
			}
		}
	}

	if out.Decisive > 0 {
		for i, idx := range s.order() {
			ordered[i] = items[idx]
		}
	}
	out.Items = ordered

	t.logger.Debug("Ranking", "Tournament finished", map[string]interface{}{
		"tournament":  t.name,
		"items":       len(items),
		"budget":      budget,
		"comparisons": out.Comparisons,
		"decisive":    out.Decisive,
		"converged":   out.Converged,
	})
	return out
}

type standings struct {
	rating []float64
	net    []int // wins minus losses
	played []int
}

func newStandings(n int) *standings {
	s := &standings{
		rating: make([]float64, n),
		net:    make([]int, n),
		played: make([]int, n),
	}
	for i := range s.rating {
		s.rating[i] = initialRating
	}
	return s
}

func (s *standings) record(winner, loser int, k float64) {
	expected := 1.0 / (1.0 + math.Pow(10, (s.rating[loser]-s.rating[winner])/400))
	delta := k * (1 - expected)
	s.rating[winner] += delta
	s.rating[loser] -= delta
	s.net[winner]++
	s.net[loser]--
}

func (s *standings) allPlayed() bool {
	for _, p := range s.played {
		if p == 0 {
			return false
		}
	}
	return true
}

// order sorts indices by net wins, then rating, then insertion position.
// After a full round robin, net wins reproduce a consistent comparator's
// total order.
func (s *standings) order() []int {
	idx := make([]int, len(s.rating))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := idx[i], idx[j]
		if s.net[a] != s.net[b] {
			return s.net[a] > s.net[b]
		}
		return s.rating[a] > s.rating[b]
	})
	return idx
}

func equalOrder(a, b []int) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type pair struct{ a, b int }

// roundRobin lists every unordered pair once using the circle method, so
// that each round touches every item at most once and a truncated budget
// still spreads comparisons across the whole list. Odd rounds present the
// later item first, which spreads a judge's position bias across items.
func roundRobin(n int) []pair {
	players := make([]int, 0, n+1)
	for i := 0; i < n; i++ {
		players = append(players, i)
	}
	if n%2 == 1 {
		players = append(players, -1) // bye
	}
	m := len(players)
	pairs := make([]pair, 0, n*(n-1)/2)

	for round := 0; round < m-1; round++ {
		for i := 0; i < m/2; i++ {
			a, b := players[i], players[m-1-i]
			if a < 0 || b < 0 {
				continue
			}
			if (a > b) != (round%2 == 1) {
				a, b = b, a
			}
			pairs = append(pairs, pair{a: a, b: b})
		}
		// keep players[0] fixed, rotate the rest clockwise
		last := players[m-1]
		copy(players[2:], players[1:m-1])
		players[1] = last
	}
	return pairs
}

// ComparisonBudget is the pipeline's standard budget: ten calls per item.
func ComparisonBudget(n int) int {
	return 10 * n
}
