package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Track Search
// ===========================

// SearchResult is an autocomplete candidate
type SearchResult struct {
	Title string
	URL   string
}

type cachedSearch struct {
	results   []SearchResult
	expiresAt time.Time
}

// QueryCache caches autocomplete search results so repeated keystrokes do
// not re-hit the upstream APIs.
type QueryCache struct {
	sync.RWMutex
	items map[string]cachedSearch
}

var (
	searchCache     = &QueryCache{items: map[string]cachedSearch{}}
	searchCacheOnce sync.Once
)

func startSearchCacheGC() {
	searchCacheOnce.Do(func() {
		ctx := AppContext
		if ctx == nil {
			ctx = context.Background()
		}
		safeGo(func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					now := time.Now()
					searchCache.Lock()
					for q, item := range searchCache.items {
						if now.After(item.expiresAt) {
							delete(searchCache.items, q)
						}
					}
					searchCache.Unlock()
				case <-ctx.Done():
					return
				}
			}
		})
	})
}

// searchTracks queries YouTube Music and YouTube in parallel, merging the
// results with YTM first and deduplicating by video ID.
func searchTracks(q string) ([]SearchResult, error) {
	startSearchCacheGC()

	searchCache.RLock()
	if item, ok := searchCache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			searchCache.RUnlock()
			return item.results, nil
		}
	}
	searchCache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{
					URL:   "https://music.youtube.com/watch?v=" + v.VideoID,
					Title: Truncate("[YTM] "+v.Title+art, 100),
				})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, q)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{
					URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
					Title: Truncate("[YT] "+v.Title, 100),
				})
			}
			resMu.Unlock()
		}
	}()

	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 {
		searchCache.Lock()
		searchCache.items[q] = cachedSearch{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		searchCache.Unlock()
	}

	return fin, nil
}

// handlePlayAutocomplete serves search suggestions while the user types
func handlePlayAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}

	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	rs, err := searchTracks(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = Truncate(r.Title, 100)
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}
