// Package enrich assembles the per-turn conversation context: customer
// history, restaurant operating status, agent configuration and the prior
// session summary. The four lookups run concurrently and each one degrades
// to safe defaults on failure, so enrichment never fails a turn.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/observability"
)

// historyDepth is how many completed orders feed the customer history.
const historyDepth = 3

// FavoriteItem is an item the customer orders often.
type FavoriteItem struct {
	Name  string
	Count int
}

// CustomerHistory summarizes the customer's completed orders.
type CustomerHistory struct {
	TotalOrders   int
	Favorites     []FavoriteItem
	LastAddress   string
	LastPayment   string
	LastOrderedAt time.Time
}

// RestaurantStatus describes whether the restaurant can take orders now.
type RestaurantStatus struct {
	Name            string
	Open            bool
	NextOpening     string
	PrepEstimateMin int
	DeliveryZones   []string
}

// Context is the join of the four enrichment lookups.
type Context struct {
	History    CustomerHistory
	Restaurant RestaurantStatus
	Agent      store.AgentConfig
	// PriorSummary is nil when the session has no earlier summary.
	PriorSummary *store.SessionSummary
}

// Lookups is the slice of the store the enricher reads from.
type Lookups interface {
	RecentOrders(ctx context.Context, restaurantID, phone string, n int) ([]*store.Order, error)
	GetRestaurant(ctx context.Context, restaurantID string) (*store.Restaurant, error)
	GetAgentConfig(ctx context.Context, restaurantID string) (*store.AgentConfig, error)
	LatestSummary(ctx context.Context, sessionID string) (*store.SessionSummary, error)
}

// Enricher gathers conversation context for one session.
type Enricher struct {
	store Lookups
	now   func() time.Time
}

// New creates an Enricher. now may be nil, defaulting to time.Now.
func New(st Lookups, now func() time.Time) *Enricher {
	if now == nil {
		now = time.Now
	}
	return &Enricher{store: st, now: now}
}

// Enrich performs the four lookups concurrently and joins the results.
// Individual lookup failures are logged and replaced by defaults; the
// returned context is always usable.
func (e *Enricher) Enrich(ctx context.Context, sess *store.Session) *Context {
	start := e.now()

	result := &Context{
		Restaurant: RestaurantStatus{Open: true},
		Agent:      *store.DefaultAgentConfig(sess.RestaurantID),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		history, err := e.customerHistory(gctx, sess)
		if err != nil {
			log.Printf("[ENRICH] customer history degraded for %s: %v", sess.ID, err)
			return nil
		}
		result.History = history
		return nil
	})

	g.Go(func() error {
		status, err := e.restaurantStatus(gctx, sess.RestaurantID)
		if err != nil {
			log.Printf("[ENRICH] restaurant status degraded for %s: %v", sess.RestaurantID, err)
			return nil
		}
		result.Restaurant = status
		return nil
	})

	g.Go(func() error {
		cfg, err := e.store.GetAgentConfig(gctx, sess.RestaurantID)
		if err != nil {
			log.Printf("[ENRICH] agent config degraded for %s: %v", sess.RestaurantID, err)
			return nil
		}
		result.Agent = *cfg
		return nil
	})

	g.Go(func() error {
		summary, err := e.store.LatestSummary(gctx, sess.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[ENRICH] prior summary degraded for %s: %v", sess.ID, err)
			}
			return nil
		}
		result.PriorSummary = summary
		return nil
	})

	// Lookups absorb their own failures, so the join never errors.
	_ = g.Wait()

	observability.RecordEnrichment(e.now().Sub(start))
	return result
}

// customerHistory derives favorites and last-used details from the
// customer's recent completed orders.
func (e *Enricher) customerHistory(ctx context.Context, sess *store.Session) (CustomerHistory, error) {
	orders, err := e.store.RecentOrders(ctx, sess.RestaurantID, sess.CustomerPhone, historyDepth)
	if err != nil {
		return CustomerHistory{}, err
	}

	history := CustomerHistory{TotalOrders: len(orders)}
	counts := make(map[string]int)

	for i, order := range orders {
		if i == 0 {
			history.LastOrderedAt = order.CreatedAt
		}
		// Orders arrive newest first; keep the most recent non-empty values.
		if history.LastPayment == "" && order.PaymentMethod != "" {
			history.LastPayment = order.PaymentMethod
		}
		if history.LastAddress == "" && order.Address != "" {
			history.LastAddress = order.Address
		}
		for _, item := range order.Items {
			counts[item.Name] += item.Quantity
		}
	}

	history.Favorites = topFavorites(counts, 3)
	return history, nil
}

// topFavorites picks the n most frequent items, ties broken by name so the
// result is deterministic.
func topFavorites(counts map[string]int, n int) []FavoriteItem {
	favorites := make([]FavoriteItem, 0, len(counts))
	for name, count := range counts {
		favorites = append(favorites, FavoriteItem{Name: name, Count: count})
	}
	sort.Slice(favorites, func(i, j int) bool {
		if favorites[i].Count != favorites[j].Count {
			return favorites[i].Count > favorites[j].Count
		}
		return favorites[i].Name < favorites[j].Name
	})
	if len(favorites) > n {
		favorites = favorites[:n]
	}
	return favorites
}

// restaurantStatus resolves whether the restaurant is open right now and,
// when closed, when it opens next.
func (e *Enricher) restaurantStatus(ctx context.Context, restaurantID string) (RestaurantStatus, error) {
	r, err := e.store.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return RestaurantStatus{}, err
	}

	now := e.now()
	status := RestaurantStatus{
		Name:            r.Name,
		Open:            isOpenAt(r, now),
		PrepEstimateMin: r.PrepTimeMinutes + r.DeliveryTimeMinutes,
		DeliveryZones:   r.DeliveryZones,
	}
	if !status.Open {
		status.NextOpening = nextOpening(r, now)
	}
	return status, nil
}

// isOpenAt compares the HH:MM clock string against today's schedule.
// Bounds are inclusive on both ends.
func isOpenAt(r *store.Restaurant, now time.Time) bool {
	day := scheduleFor(r, now.Weekday())
	if day == nil || day.Closed || day.Open == "" || day.Close == "" {
		return false
	}
	clock := now.Format("15:04")
	return day.Open <= clock && clock <= day.Close
}

// nextOpening scans forward up to a week for the next opening time.
func nextOpening(r *store.Restaurant, now time.Time) string {
	clock := now.Format("15:04")
	for offset := 0; offset < 7; offset++ {
		candidate := now.AddDate(0, 0, offset)
		day := scheduleFor(r, candidate.Weekday())
		if day == nil || day.Closed || day.Open == "" {
			continue
		}
		if offset == 0 && day.Open <= clock {
			// Today's window already started (or passed); look further.
			continue
		}
		return fmt.Sprintf("%s %s", weekdayName(candidate.Weekday()), day.Open)
	}
	return ""
}

func scheduleFor(r *store.Restaurant, wd time.Weekday) *store.DaySchedule {
	if r.Schedule == nil {
		return nil
	}
	return r.Schedule[weekdayName(wd)]
}

func weekdayName(wd time.Weekday) string {
	switch wd {
	case time.Sunday:
		return "sunday"
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	default:
		return "saturday"
	}
}
