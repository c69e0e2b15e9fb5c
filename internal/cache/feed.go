package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Feed is an external news/information feed shown on a patient's dashboard.
type Feed struct {
	SourceID       string `json:"sourceId"`
	Author         string `json:"author"`
	Name           string `json:"name"`
	LandingPageURL string `json:"landingPageUrl"`
	RSSFeedURL     string `json:"rssFeedUrl"`
	DateCreated    int64  `json:"dateCreated"`
}

// DefaultFeed is seeded for every patient whose EHR is created here.
var DefaultFeed = Feed{
	Author:         "Helm PHR service",
	Name:           "NHS Choices",
	LandingPageURL: "https://www.nhs.uk/",
	RSSFeedURL:     "https://www.nhs.uk/NHSEngland/Resources/Pages/NHSChoicesRSSFeeds.aspx",
}

// FeedStore keeps feeds per patient.
type FeedStore struct {
	mu    sync.RWMutex
	feeds map[string]map[string]Feed
	now   func() time.Time
}

// NewFeedStore creates an empty FeedStore.
func NewFeedStore() *FeedStore {
	return &FeedStore{
		feeds: make(map[string]map[string]Feed),
		now:   time.Now,
	}
}

// Add stores f for the patient, assigning a source id and creation date
// when they are missing.
func (s *FeedStore) Add(patientID string, f Feed) Feed {
	if f.SourceID == "" {
		f.SourceID = uuid.NewString()
	}
	if f.DateCreated == 0 {
		f.DateCreated = s.now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feeds[patientID] == nil {
		s.feeds[patientID] = make(map[string]Feed)
	}
	s.feeds[patientID][f.SourceID] = f
	return f
}

// Seed adds DefaultFeed for the patient unless a feed with the same landing
// page is already present.
func (s *FeedStore) Seed(patientID string) Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.feeds[patientID] {
		if f.LandingPageURL == DefaultFeed.LandingPageURL {
			return f
		}
	}
	f := DefaultFeed
	f.SourceID = uuid.NewString()
	f.DateCreated = s.now().UnixMilli()
	if s.feeds[patientID] == nil {
		s.feeds[patientID] = make(map[string]Feed)
	}
	s.feeds[patientID][f.SourceID] = f
	return f
}

// List returns the patient's feeds, oldest first.
func (s *FeedStore) List(patientID string) []Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Feed, 0, len(s.feeds[patientID]))
	for _, f := range s.feeds[patientID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateCreated != out[j].DateCreated {
			return out[i].DateCreated < out[j].DateCreated
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}
