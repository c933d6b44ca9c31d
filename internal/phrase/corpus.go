// Package phrase provides the challenge phrase corpus and the selection
// policy that keeps issued phrases unpredictable per identity.
package phrase

import (
	"fmt"

	"voicegate/internal/challenge/domain"
)

// Phrase is one corpus entry. IDs are stable across releases so recent-use
// tracking survives restarts.
type Phrase struct {
	ID         string
	Text       string
	Difficulty domain.Difficulty
}

// Corpus is an immutable phrase pool bucketed by difficulty.
type Corpus struct {
	byDifficulty map[domain.Difficulty][]Phrase
}

// NewCorpus builds a corpus from the given phrases. Returns an error if any
// phrase has an unknown difficulty or a duplicate id.
func NewCorpus(phrases []Phrase) (*Corpus, error) {
	buckets := make(map[domain.Difficulty][]Phrase)
	seen := make(map[string]bool, len(phrases))
	for _, p := range phrases {
		if !p.Difficulty.Valid() {
			return nil, fmt.Errorf("phrase %s: unknown difficulty %q", p.ID, p.Difficulty)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("phrase %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		buckets[p.Difficulty] = append(buckets[p.Difficulty], p)
	}
	return &Corpus{byDifficulty: buckets}, nil
}

// DefaultCorpus returns the built-in phrase pool.
func DefaultCorpus() *Corpus {
	c, err := NewCorpus(builtinPhrases)
	if err != nil {
		// builtinPhrases is validated by tests; a bad entry is a programming error.
		panic(err)
	}
	return c
}

// Pool returns the phrases for a difficulty. The returned slice must not be
// modified.
func (c *Corpus) Pool(d domain.Difficulty) []Phrase {
	return c.byDifficulty[d]
}

// All returns every phrase in the corpus.
func (c *Corpus) All() []Phrase {
	var out []Phrase
	for _, d := range []domain.Difficulty{domain.DifficultyEasy, domain.DifficultyMedium, domain.DifficultyHard} {
		out = append(out, c.byDifficulty[d]...)
	}
	return out
}

var builtinPhrases = []Phrase{
	{ID: "easy-001", Text: "my voice is my password", Difficulty: domain.DifficultyEasy},
	{ID: "easy-002", Text: "open the door to my account", Difficulty: domain.DifficultyEasy},
	{ID: "easy-003", Text: "the quick brown fox jumps over the lazy dog", Difficulty: domain.DifficultyEasy},
	{ID: "easy-004", Text: "please verify me today", Difficulty: domain.DifficultyEasy},
	{ID: "easy-005", Text: "i am speaking to confirm my identity", Difficulty: domain.DifficultyEasy},
	{ID: "easy-006", Text: "banking should be simple and safe", Difficulty: domain.DifficultyEasy},
	{ID: "easy-007", Text: "seven green apples on the table", Difficulty: domain.DifficultyEasy},
	{ID: "easy-008", Text: "the weather is lovely this morning", Difficulty: domain.DifficultyEasy},
	{ID: "medium-001", Text: "fourteen silver bridges cross the winding river at dawn", Difficulty: domain.DifficultyMedium},
	{ID: "medium-002", Text: "my account number ends with the color of autumn leaves", Difficulty: domain.DifficultyMedium},
	{ID: "medium-003", Text: "quiet travelers remember the road beyond the orchard gate", Difficulty: domain.DifficultyMedium},
	{ID: "medium-004", Text: "every Tuesday the lighthouse keeper counts ninety nine waves", Difficulty: domain.DifficultyMedium},
	{ID: "medium-005", Text: "paper lanterns drift above the festival of early spring", Difficulty: domain.DifficultyMedium},
	{ID: "medium-006", Text: "the cartographer labeled six mountains in violet ink", Difficulty: domain.DifficultyMedium},
	{ID: "medium-007", Text: "wooden clocks tick slower in the museum of lost hours", Difficulty: domain.DifficultyMedium},
	{ID: "medium-008", Text: "a curious heron watched the ferry leave the harbor", Difficulty: domain.DifficultyMedium},
	{ID: "hard-001", Text: "the zealous quartermaster juggled fixed prices while weaving hemp baskets", Difficulty: domain.DifficultyHard},
	{ID: "hard-002", Text: "brusque xylophone players vexed the jovial dockworkers at midnight", Difficulty: domain.DifficultyHard},
	{ID: "hard-003", Text: "quixotic chemists observed zirconium fragments beneath the vaulted skylight", Difficulty: domain.DifficultyHard},
	{ID: "hard-004", Text: "the plump wizard quickly boxed seven juggling gnomes for charity", Difficulty: domain.DifficultyHard},
	{ID: "hard-005", Text: "five jaunty cabbies awkwardly quoted exchange rates in zurich", Difficulty: domain.DifficultyHard},
	{ID: "hard-006", Text: "crazy frederick bought many very exquisite opal jewels", Difficulty: domain.DifficultyHard},
}
