package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parleybot/parley/internal/logging"
)

// failureReasonMax bounds each backend's error text inside the aggregate
// failure message.
const failureReasonMax = 50

// PrefStore persists each user's preferred provider name.
type PrefStore interface {
	GetPreferredProvider(ctx context.Context, userID int64) (string, error)
	SetPreferredProvider(ctx context.Context, userID int64, name string) error
}

// Route is one configured provider: a display name bound to a backend with
// its sampling temperature.
type Route struct {
	Name        string
	Backend     Backend
	Temperature float64
}

// Reply is a successful generation with its source route.
type Reply struct {
	Text     string
	Provider string
	Usage    *Usage
}

// ExhaustedError reports that every route failed for one request, with a
// truncated reason per backend.
type ExhaustedError struct {
	Attempts []string
}

func (e *ExhaustedError) Error() string {
	return "all provider routes failed: " + strings.Join(e.Attempts, "; ")
}

// FailoverChain tries routes in order until one produces non-empty text. The
// order is the user's preferred provider first, then the remaining routes in
// configuration order. Failover is the retry mechanism; no route is tried
// twice within one request.
type FailoverChain struct {
	routes    []Route
	canonical map[string]string // lowercase name -> canonical name
	byName    map[string]Route
	prefs     PrefStore
	timeout   time.Duration
}

func NewFailoverChain(routes []Route, prefs PrefStore, timeout time.Duration) (*FailoverChain, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("failover chain needs at least one route")
	}
	canonical := make(map[string]string, len(routes))
	byName := make(map[string]Route, len(routes))
	for _, r := range routes {
		lower := strings.ToLower(r.Name)
		if _, dup := canonical[lower]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", r.Name)
		}
		canonical[lower] = r.Name
		byName[r.Name] = r
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FailoverChain{
		routes:    routes,
		canonical: canonical,
		byName:    byName,
		prefs:     prefs,
		timeout:   timeout,
	}, nil
}

// Names returns the configured provider names in configuration order.
func (f *FailoverChain) Names() []string {
	names := make([]string, len(f.routes))
	for i, r := range f.routes {
		names[i] = r.Name
	}
	return names
}

// ResolvePreferred returns the user's preferred provider name, falling back
// to the first configured route when the preference is unset or unknown. A
// stored value differing from the canonical name only in case is corrected
// and persisted back.
func (f *FailoverChain) ResolvePreferred(ctx context.Context, userID int64) string {
	stored, err := f.prefs.GetPreferredProvider(ctx, userID)
	if err != nil {
		logging.Warnf("failover: reading provider preference for user %d: %v", userID, err)
		return f.routes[0].Name
	}
	if stored == "" {
		return f.routes[0].Name
	}
	name, ok := f.canonical[strings.ToLower(stored)]
	if !ok {
		return f.routes[0].Name
	}
	if name != stored {
		if err := f.prefs.SetPreferredProvider(ctx, userID, name); err != nil {
			logging.Warnf("failover: persisting case-fixed preference for user %d: %v", userID, err)
		}
	}
	return name
}

// SetPreferred stores a provider preference, matching the given name
// case-insensitively. Returns the canonical name.
func (f *FailoverChain) SetPreferred(ctx context.Context, userID int64, name string) (string, error) {
	canonical, ok := f.canonical[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", name)
	}
	if err := f.prefs.SetPreferredProvider(ctx, userID, canonical); err != nil {
		return "", fmt.Errorf("store provider preference: %w", err)
	}
	return canonical, nil
}

// chainFor yields the routes to try: preferred first, then configuration
// order, each route at most once.
func (f *FailoverChain) chainFor(preferred string) []Route {
	ordered := make([]Route, 0, len(f.routes))
	if r, ok := f.byName[preferred]; ok {
		ordered = append(ordered, r)
	}
	for _, r := range f.routes {
		if r.Name != preferred {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

// GenerateReply walks the user's chain until a backend returns non-empty
// text. Each failed route is recorded and iteration continues; when every
// route fails the returned error is an *ExhaustedError enumerating them.
func (f *FailoverChain) GenerateReply(ctx context.Context, userID int64, system string, msgs []Message) (Reply, error) {
	preferred := f.ResolvePreferred(ctx, userID)

	var attempts []string
	for _, route := range f.chainFor(preferred) {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		text, usage, err := route.Backend.Complete(cctx, system, msgs, route.Temperature)
		cancel()
		if err != nil {
			logging.Warnf("failover: route %s failed (%s): %v", route.Name, ClassifyErrorReason(err), err)
			attempts = append(attempts, fmt.Sprintf("%s: %s", route.Name, truncateReason(err.Error(), failureReasonMax)))
			continue
		}
		if strings.TrimSpace(text) == "" {
			logging.Warnf("failover: route %s returned empty text", route.Name)
			attempts = append(attempts, fmt.Sprintf("%s: empty reply", route.Name))
			continue
		}
		return Reply{Text: text, Provider: route.Name, Usage: usage}, nil
	}
	return Reply{}, &ExhaustedError{Attempts: attempts}
}
