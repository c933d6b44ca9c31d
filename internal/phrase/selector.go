package phrase

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/coocood/freecache"

	"voicegate/internal/challenge/domain"
)

// ErrEmptyPool is returned when the corpus has no phrases for a difficulty.
var ErrEmptyPool = errors.New("phrase pool is empty for difficulty")

const selectorCacheSize = 1 << 20 // 1MB; entries are tiny (identity+phrase id keys)

// Selector picks phrases for challenges while avoiding ones an identity has
// seen recently. Recent use is tracked two ways: a TTL cache of phrases this
// process issued, and a caller-supplied exclude list from persisted
// challenges. When avoidance would starve selection (small pool, busy
// identity), reuse is allowed rather than failing issuance.
type Selector struct {
	corpus    *Corpus
	recent    *freecache.Cache
	recentTTL time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSelector returns a Selector over the corpus. recentTTL is how long a
// phrase counts as recently used for an identity.
func NewSelector(corpus *Corpus, recentTTL time.Duration) *Selector {
	return &Selector{
		corpus:    corpus,
		recent:    freecache.NewCache(selectorCacheSize),
		recentTTL: recentTTL,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns count phrases of the given difficulty for the identity,
// preferring phrases that are neither in exclude nor recently issued by this
// selector. Picked phrases are marked recently used.
func (s *Selector) Pick(identityID string, d domain.Difficulty, count int, exclude []string) ([]Phrase, error) {
	pool := s.corpus.Pool(d)
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var fresh, used []Phrase
	for _, p := range pool {
		if excluded[p.ID] || s.recentlyUsed(identityID, p.ID) {
			used = append(used, p)
			continue
		}
		fresh = append(fresh, p)
	}

	s.mu.Lock()
	s.rnd.Shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })
	s.rnd.Shuffle(len(used), func(i, j int) { used[i], used[j] = used[j], used[i] })
	s.mu.Unlock()

	// Fall back to recently used phrases before repeating within one pick.
	candidates := append(fresh, used...)
	if count > len(candidates) {
		count = len(candidates)
	}
	picked := candidates[:count]
	for _, p := range picked {
		s.markUsed(identityID, p.ID)
	}
	return picked, nil
}

func (s *Selector) recentlyUsed(identityID, phraseID string) bool {
	_, err := s.recent.Get(recentKey(identityID, phraseID))
	return err == nil
}

func (s *Selector) markUsed(identityID, phraseID string) {
	ttl := int(s.recentTTL / time.Second)
	if ttl <= 0 {
		return
	}
	_ = s.recent.Set(recentKey(identityID, phraseID), []byte{1}, ttl)
}

func recentKey(identityID, phraseID string) []byte {
	return []byte(identityID + "\x00" + phraseID)
}
