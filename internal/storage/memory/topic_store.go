package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// TopicStore keeps unified topics and their fingerprint ownership per date.
type TopicStore struct {
	mu        sync.Mutex
	topics    map[crawler.Date][]crawler.UnifiedTopic
	owners    map[crawler.Date]map[crawler.Fingerprint]string
	finalized map[crawler.Date]bool
}

// NewTopicStore constructs a TopicStore.
func NewTopicStore() *TopicStore {
	return &TopicStore{
		topics:    make(map[crawler.Date][]crawler.UnifiedTopic),
		owners:    make(map[crawler.Date]map[crawler.Fingerprint]string),
		finalized: make(map[crawler.Date]bool),
	}
}

// OwnedFingerprints maps every owned fingerprint of date to its topic id.
func (s *TopicStore) OwnedFingerprints(_ context.Context, date crawler.Date) (map[crawler.Fingerprint]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[crawler.Fingerprint]string, len(s.owners[date]))
	for fp, id := range s.owners[date] {
		out[fp] = id
	}
	return out, nil
}

// SaveTopics commits all topics or none.
func (s *TopicStore) SaveTopics(_ context.Context, date crawler.Date, topics []crawler.UnifiedTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized[date] {
		return crawler.ErrDateClosed
	}
	owners := s.owners[date]
	claimed := make(map[crawler.Fingerprint]struct{})
	for _, topic := range topics {
		for _, fp := range topic.Fingerprints {
			if _, taken := owners[fp]; taken {
				return crawler.ErrFingerprintOwned
			}
			if _, dup := claimed[fp]; dup {
				return crawler.ErrFingerprintOwned
			}
			claimed[fp] = struct{}{}
		}
	}
	if owners == nil {
		owners = make(map[crawler.Fingerprint]string)
		s.owners[date] = owners
	}
	for _, topic := range topics {
		for _, fp := range topic.Fingerprints {
			owners[fp] = topic.ID
		}
		s.topics[date] = append(s.topics[date], cloneTopic(topic))
	}
	return nil
}

// ListTopics returns the topics of date in commit order.
func (s *TopicStore) ListTopics(_ context.Context, date crawler.Date) ([]crawler.UnifiedTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.UnifiedTopic, 0, len(s.topics[date]))
	for _, topic := range s.topics[date] {
		out = append(out, cloneTopic(topic))
	}
	return out, nil
}

// FinalizeDate freezes date and reports how many topics were finalized.
func (s *TopicStore) FinalizeDate(_ context.Context, date crawler.Date) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[date] = true
	count := 0
	for i := range s.topics[date] {
		if !s.topics[date][i].Finalized {
			s.topics[date][i].Finalized = true
			count++
		}
	}
	return count, nil
}

// DateFinalized reports whether date was finalized.
func (s *TopicStore) DateFinalized(_ context.Context, date crawler.Date) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized[date], nil
}

func cloneTopic(topic crawler.UnifiedTopic) crawler.UnifiedTopic {
	topic.Keywords = append([]string(nil), topic.Keywords...)
	topic.Fingerprints = append([]crawler.Fingerprint(nil), topic.Fingerprints...)
	topic.LegacyItemIDs = append([]int64(nil), topic.LegacyItemIDs...)
	topic.SourcePlatforms = append([]platform.Code(nil), topic.SourcePlatforms...)
	return topic
}
